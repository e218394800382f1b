// Command agent triggers a single tipping run and prints the run report as
// JSON, for cron and manual invocation.
package main

import (
	"context"
	"encoding/json"
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
)

var (
	// Set by LDFLAGS
	version = "dev"
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.Agent.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if !report.Success {
		return fmt.Errorf("run finished with errors: %d", len(report.Errors))
	}
	return nil
}
