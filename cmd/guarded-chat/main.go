package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/run-bigpig/aiguard-anthropic/pkg/config"
	"github.com/run-bigpig/aiguard-anthropic/pkg/guardrails"
	"github.com/run-bigpig/aiguard-anthropic/pkg/llm/anthropic"
	"github.com/run-bigpig/aiguard-anthropic/pkg/logging"
	"github.com/run-bigpig/aiguard-anthropic/pkg/normalize"
	"github.com/run-bigpig/aiguard-anthropic/pkg/tracing"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code so deferred shutdowns run before exit
func run(args []string, stdout, stderr io.Writer) int {
	errLog := log.New(stderr, "", log.LstdFlags)

	flags := flag.NewFlagSet("guarded-chat", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to configuration YAML file (optional)")
	prompt := flags.String("prompt", "", "User message to send")
	system := flags.String("system", "", "System prompt (optional)")
	model := flags.String("model", "", "Model name (overrides config)")
	stream := flags.Bool("stream", false, "Stream the response (not inspected by AI Guard)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if *prompt == "" {
		fmt.Fprintln(stdout, "Usage: guarded-chat --prompt=<text> [--config=<path>] [--system=<text>] [--model=<name>] [--stream]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		errLog.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if *model != "" {
		cfg.Anthropic.Model = *model
	}
	if err := cfg.Validate(); err != nil {
		errLog.Printf("Invalid configuration: %v (set %s or ai_guard.token)", err, config.EnvAIGuardToken)
		return 1
	}

	logger := logging.New(logging.WithLevel(cfg.Logging.Level))

	otelTracer, err := tracing.NewOTelTracer(tracing.OTelConfig{
		Enabled:           cfg.Tracing.OTel.Enabled,
		ServiceName:       cfg.Tracing.OTel.ServiceName,
		CollectorEndpoint: cfg.Tracing.OTel.CollectorEndpoint,
	})
	if err != nil {
		errLog.Printf("Failed to create OpenTelemetry tracer: %v", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelTracer.Shutdown(ctx); err != nil {
			errLog.Printf("Failed to shut down tracer: %v", err)
		}
	}()

	langfuseTracer := tracing.NewLangfuseTracer(tracing.LangfuseConfig{
		Enabled:     cfg.Tracing.Langfuse.Enabled,
		SecretKey:   cfg.Tracing.Langfuse.SecretKey,
		PublicKey:   cfg.Tracing.Langfuse.PublicKey,
		Host:        cfg.Tracing.Langfuse.Host,
		Environment: cfg.Tracing.Langfuse.Environment,
	}, logger)
	defer langfuseTracer.Flush()

	client, err := anthropic.NewClient(anthropic.ConfigFrom(cfg),
		anthropic.WithLogger(logger),
		anthropic.WithOTelTracer(otelTracer),
		anthropic.WithLangfuseTracer(langfuseTracer),
		anthropic.WithRequestOptions(option.WithMaxRetries(cfg.Anthropic.MaxRetries)),
	)
	if err != nil {
		errLog.Printf("Failed to create client: %v", err)
		return 1
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(cfg.Anthropic.Model),
		MaxTokens: cfg.Anthropic.MaxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(*prompt)),
		},
	}
	if *system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: *system}}
	}

	ctx := context.Background()

	if *stream {
		s := client.Messages.NewStreaming(ctx, params)
		defer s.Close()
		for s.Next() {
			event, ok := s.Current().AsAny().(anthropicsdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if delta, ok := event.Delta.AsAny().(anthropicsdk.TextDelta); ok {
				fmt.Fprint(stdout, delta.Text)
			}
		}
		fmt.Fprintln(stdout)
		if err := s.Err(); err != nil {
			errLog.Printf("Stream failed: %v", err)
			return 1
		}
		return 0
	}

	resp, err := client.Messages.New(ctx, params)
	if errors.Is(err, guardrails.ErrBlocked) {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err != nil {
		errLog.Printf("Request failed: %v", err)
		return 1
	}

	fmt.Fprintln(stdout, normalize.ResponseText(resp))
	return 0
}
