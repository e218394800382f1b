package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/kudoslabs/kudos/pkg/app"
	"github.com/kudoslabs/kudos/pkg/config"
	"github.com/kudoslabs/kudos/pkg/logger"
	"github.com/kudoslabs/kudos/pkg/metrics"
	"github.com/kudoslabs/kudos/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", "", "load environment variables from this file before reading configuration")
	listenAddrFlag := flag.String("listen-addr", "", "address to listen on (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "maximum time to wait for in-flight requests during shutdown")
	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Warn("sentry init failed, continuing without it", "error", err)
		} else {
			defer sentry.Flush(5 * time.Second)
		}
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      cfg.ListenAddr,
		Agent:           a.Agent,
		Directory:       a.Directory,
		Ledger:          a.Ledger,
		Balances:        a.Aggregator,
		Wallets:         a.Wallets,
		Tokens:          a.Tokens,
		Facilitator:     a.Facilitator,
		TipAmount:       cfg.TipAmount,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
