// Package guardrails runs Messages API calls through AI Guard inspection.
package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/sjson"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
	"github.com/run-bigpig/aiguard-anthropic/pkg/exchange"
	"github.com/run-bigpig/aiguard-anthropic/pkg/interfaces"
	"github.com/run-bigpig/aiguard-anthropic/pkg/logging"
	"github.com/run-bigpig/aiguard-anthropic/pkg/normalize"
)

// Messages guards an upstream MessageService. It holds no per-request state and
// is safe for concurrent use.
type Messages struct {
	upstream     interfaces.MessageService
	guard        interfaces.Guard
	inputRecipe  string
	outputRecipe string
	logger       logging.Logger
}

// Option represents an option for configuring Messages
type Option func(*Messages)

// WithInputRecipe sets the recipe used to inspect the conversation
func WithInputRecipe(recipe string) Option {
	return func(m *Messages) {
		m.inputRecipe = recipe
	}
}

// WithOutputRecipe sets the recipe used to inspect the completion
func WithOutputRecipe(recipe string) Option {
	return func(m *Messages) {
		m.outputRecipe = recipe
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Messages) {
		m.logger = logger
	}
}

// NewMessages wraps upstream so that every non-streaming call is inspected by guard
func NewMessages(upstream interfaces.MessageService, guard interfaces.Guard, options ...Option) *Messages {
	m := &Messages{
		upstream: upstream,
		guard:    guard,
		logger:   logging.NewNop(),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// New inspects the conversation, creates the completion and inspects it before
// returning. A blocking verdict on either side yields a *BlockedError; upstream
// failures are returned unchanged.
func (m *Messages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	ctx, _ = exchange.Ensure(ctx)

	transcript := normalize.Transcript(body)

	input, err := m.guard.Guard(ctx, aiguard.GuardRequest{
		Input:  aiguard.GuardInput{Messages: transcript},
		Recipe: m.inputRecipe,
	})
	if err != nil {
		return nil, err
	}

	if input.Blocked {
		m.logger.Info(ctx, "Conversation blocked by AI Guard", map[string]interface{}{
			"phase":  PhaseInput,
			"recipe": m.inputRecipe,
		})
		return nil, &BlockedError{Phase: PhaseInput, Recipe: m.inputRecipe}
	}

	if input.Transformed && input.Output != nil {
		if len(input.Output.Messages) == 0 {
			m.logger.Warn(ctx, "Transformed input has no messages, forwarding original", map[string]interface{}{
				"recipe": m.inputRecipe,
			})
		} else {
			body, err = substitute(body, input.Output.Messages)
			if err != nil {
				return nil, err
			}
			m.logger.Info(ctx, "Conversation transformed by AI Guard", map[string]interface{}{
				"phase":    PhaseInput,
				"messages": len(body.Messages),
			})
		}
	}

	resp, err := m.upstream.New(ctx, body, opts...)
	if err != nil {
		return nil, err
	}

	output, err := m.guard.Guard(ctx, aiguard.GuardRequest{
		Input:  aiguard.GuardInput{Messages: normalize.WithResponse(transcript, resp)},
		Recipe: m.outputRecipe,
	})
	if err != nil {
		return nil, err
	}

	if output.Blocked {
		m.logger.Info(ctx, "Completion blocked by AI Guard", map[string]interface{}{
			"phase":  PhaseOutput,
			"recipe": m.outputRecipe,
			"id":     resp.ID,
		})
		return nil, &BlockedError{Phase: PhaseOutput, Recipe: m.outputRecipe}
	}

	if output.Transformed && output.Output != nil {
		m.logger.Info(ctx, "Completion transformed by AI Guard", map[string]interface{}{
			"phase": PhaseOutput,
			"id":    resp.ID,
		})
		return replaceContent(resp, output.Last())
	}

	m.logger.Debug(ctx, "Exchange passed AI Guard", map[string]interface{}{
		"id": resp.ID,
	})

	return resp, nil
}

// NewStreaming forwards to the upstream service without inspection.
func (m *Messages) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return m.upstream.NewStreaming(ctx, body, opts...)
}

// substitute replaces the conversation of body with guard output records.
// System and developer records replace the system directive.
func substitute(body anthropic.MessageNewParams, records []aiguard.Message) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(records))
	var system []string

	for _, r := range records {
		switch r.Role {
		case aiguard.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(r.Content)))
		case aiguard.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(r.Content)))
		case aiguard.RoleSystem, aiguard.RoleDeveloper:
			system = append(system, r.Content)
		default:
			return body, fmt.Errorf("%w: %q", ErrUnexpectedRole, r.Role)
		}
	}

	body.Messages = messages
	if len(system) > 0 {
		body.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	return body, nil
}

// replaceContent returns a copy of resp whose content is a single text block.
// The raw JSON is rewritten too so the original text cannot leak through RawJSON.
func replaceContent(resp *anthropic.Message, text string) (*anthropic.Message, error) {
	content := []map[string]interface{}{{
		"type":      "text",
		"text":      text,
		"citations": []interface{}{},
	}}

	if raw := resp.RawJSON(); raw != "" {
		updated, err := sjson.Set(raw, "content", content)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite completion content: %w", err)
		}
		var out anthropic.Message
		if err := json.Unmarshal([]byte(updated), &out); err != nil {
			return nil, fmt.Errorf("failed to decode rewritten completion: %w", err)
		}
		return &out, nil
	}

	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion content: %w", err)
	}
	var blocks []anthropic.ContentBlockUnion
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode completion content: %w", err)
	}
	out := *resp
	out.Content = blocks
	return &out, nil
}
