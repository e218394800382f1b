package reason

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"

	"github.com/kudoslabs/kudos/pkg/metrics"
)

// Oracle is a one-shot text completion. The decision engine treats it as an
// untrusted external signal.
type Oracle interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnthropicOracle implements Oracle using the Anthropic API. The API key is
// read from the environment by the SDK.
type AnthropicOracle struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicOracle(log *slog.Logger, model string) *AnthropicOracle {
	return &AnthropicOracle{
		log:       log,
		client:    anthropic.NewClient(),
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}
}

func (o *AnthropicOracle) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", o.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(o.model))
	span.SetData("gen_ai.request.max_tokens", o.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	o.log.Debug("reason: oracle call starting", "model", o.model, "promptLen", len(userPrompt))

	msg, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})

	duration := time.Since(start)
	metrics.RecordOracleRequest(duration, err)
	if err != nil {
		o.log.Error("reason: oracle call failed", "duration", duration, "error", err)
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	o.log.Debug("reason: oracle call completed",
		"duration", duration,
		"stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
	)

	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}
