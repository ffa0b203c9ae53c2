package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/henomis/langfuse-go"
	"github.com/henomis/langfuse-go/model"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
	"github.com/run-bigpig/aiguard-anthropic/pkg/exchange"
	"github.com/run-bigpig/aiguard-anthropic/pkg/interfaces"
	"github.com/run-bigpig/aiguard-anthropic/pkg/logging"
	"github.com/run-bigpig/aiguard-anthropic/pkg/normalize"
)

// LangfuseTracer implements tracing using Langfuse
type LangfuseTracer struct {
	client      *langfuse.Langfuse
	enabled     bool
	environment string
	logger      logging.Logger
}

// LangfuseConfig contains configuration for Langfuse
type LangfuseConfig struct {
	// Enabled determines whether Langfuse tracing is enabled
	Enabled bool

	// SecretKey, PublicKey and Host override LANGFUSE_SECRET_KEY,
	// LANGFUSE_PUBLIC_KEY and LANGFUSE_HOST when set
	SecretKey string
	PublicKey string
	Host      string

	// Environment is the environment name (e.g., "production", "staging")
	Environment string
}

// exportLangfuseEnv hands the configured credentials to the langfuse client,
// which only reads them from the environment.
func exportLangfuseEnv(config LangfuseConfig, setenv func(key, value string) error) error {
	for _, kv := range []struct{ key, value string }{
		{"LANGFUSE_SECRET_KEY", config.SecretKey},
		{"LANGFUSE_PUBLIC_KEY", config.PublicKey},
		{"LANGFUSE_HOST", config.Host},
	} {
		if kv.value == "" {
			continue
		}
		if err := setenv(kv.key, kv.value); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv.key, err)
		}
	}
	return nil
}

// NewLangfuseTracer creates a new Langfuse tracer
func NewLangfuseTracer(config LangfuseConfig, logger logging.Logger) *LangfuseTracer {
	if logger == nil {
		logger = logging.NewNop()
	}

	if !config.Enabled {
		return &LangfuseTracer{
			enabled: false,
			logger:  logger,
		}
	}

	if err := exportLangfuseEnv(config, os.Setenv); err != nil {
		logger.Warn(context.Background(), "Langfuse credentials not exported", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return &LangfuseTracer{
		client:      langfuse.New(context.Background()),
		enabled:     true,
		environment: config.Environment,
		logger:      logger,
	}
}

// Enabled reports whether observations are sent
func (t *LangfuseTracer) Enabled() bool {
	return t != nil && t.enabled
}

func (t *LangfuseTracer) metadata(ctx context.Context, extra map[string]interface{}) model.M {
	m := model.M{"environment": t.environment}
	if id, err := exchange.GetID(ctx); err == nil {
		m["exchange_id"] = id
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// TraceGeneration traces a completion
func (t *LangfuseTracer) TraceGeneration(ctx context.Context, modelName string, input []aiguard.Message, output string, startTime time.Time, endTime time.Time, metadata map[string]interface{}) (string, error) {
	if !t.Enabled() {
		return "", nil
	}

	generation := &model.Generation{
		Name:      fmt.Sprintf("generation-%d", time.Now().UnixNano()),
		StartTime: &startTime,
		EndTime:   &endTime,
		Model:     modelName,
		Input:     input,
		Output: model.M{
			"completion": output,
		},
		Metadata: t.metadata(ctx, metadata),
	}

	var id string
	generationID, err := t.client.Generation(generation, &id)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse generation: %w", err)
	}

	return generationID.ID, nil
}

// TraceEvent traces an event
func (t *LangfuseTracer) TraceEvent(ctx context.Context, name string, input interface{}, output interface{}, level string, metadata map[string]interface{}) (string, error) {
	if !t.Enabled() {
		return "", nil
	}

	event := &model.Event{
		Name:     name,
		Input:    input,
		Output:   output,
		Level:    model.ObservationLevel(level),
		Metadata: t.metadata(ctx, metadata),
	}

	var id string
	eventID, err := t.client.Event(event, &id)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse event: %w", err)
	}

	return eventID.ID, nil
}

// Flush flushes the Langfuse client
func (t *LangfuseTracer) Flush() {
	if !t.Enabled() {
		return
	}
	t.client.Flush(context.Background())
}

// verdictLevel maps a verdict onto a Langfuse observation level
func verdictLevel(result *aiguard.GuardResult, err error) string {
	switch {
	case err != nil:
		return string(model.ObservationLevelError)
	case result.Blocked:
		return string(model.ObservationLevelWarning)
	case result.Transformed:
		return string(model.ObservationLevelDefault)
	default:
		return string(model.ObservationLevelDebug)
	}
}

// GuardLangfuseMiddleware records every verdict as a Langfuse event
type GuardLangfuseMiddleware struct {
	guard  interfaces.Guard
	tracer *LangfuseTracer
}

// NewGuardLangfuseMiddleware creates a new GuardLangfuseMiddleware
func NewGuardLangfuseMiddleware(guard interfaces.Guard, tracer *LangfuseTracer) *GuardLangfuseMiddleware {
	return &GuardLangfuseMiddleware{
		guard:  guard,
		tracer: tracer,
	}
}

// Guard implements interfaces.Guard
func (m *GuardLangfuseMiddleware) Guard(ctx context.Context, req aiguard.GuardRequest) (*aiguard.GuardResult, error) {
	result, err := m.guard.Guard(ctx, req)

	metadata := map[string]interface{}{"recipe": req.Recipe}
	var output interface{} = result
	if err != nil {
		metadata["error"] = err.Error()
		output = nil
	}

	if _, traceErr := m.tracer.TraceEvent(ctx, "ai_guard", req.Input.Messages, output, verdictLevel(result, err), metadata); traceErr != nil {
		m.tracer.logger.Warn(ctx, "Failed to trace guard verdict", map[string]interface{}{
			"error": traceErr.Error(),
		})
	}

	return result, err
}

// MessagesLangfuseMiddleware records completions as Langfuse generations
type MessagesLangfuseMiddleware struct {
	messages interfaces.MessageService
	tracer   *LangfuseTracer
}

// NewMessagesLangfuseMiddleware creates a new MessagesLangfuseMiddleware
func NewMessagesLangfuseMiddleware(messages interfaces.MessageService, tracer *LangfuseTracer) *MessagesLangfuseMiddleware {
	return &MessagesLangfuseMiddleware{
		messages: messages,
		tracer:   tracer,
	}
}

// New implements interfaces.MessageService
func (m *MessagesLangfuseMiddleware) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	startTime := time.Now()
	resp, err := m.messages.New(ctx, body, opts...)
	endTime := time.Now()

	if err != nil {
		if _, traceErr := m.tracer.TraceEvent(ctx, "llm_error", normalize.Transcript(body), nil, string(model.ObservationLevelError), map[string]interface{}{
			"model": string(body.Model),
			"error": err.Error(),
		}); traceErr != nil {
			m.tracer.logger.Warn(ctx, "Failed to trace completion error", map[string]interface{}{
				"error": traceErr.Error(),
			})
		}
		return resp, err
	}

	if _, traceErr := m.tracer.TraceGeneration(ctx, string(resp.Model), normalize.Transcript(body), normalize.ResponseText(resp), startTime, endTime, map[string]interface{}{
		"id":            resp.ID,
		"stop_reason":   string(resp.StopReason),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}); traceErr != nil {
		m.tracer.logger.Warn(ctx, "Failed to trace completion", map[string]interface{}{
			"error": traceErr.Error(),
		})
	}

	return resp, nil
}

// NewStreaming implements interfaces.MessageService without tracing
func (m *MessagesLangfuseMiddleware) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return m.messages.NewStreaming(ctx, body, opts...)
}
