package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
	"github.com/run-bigpig/aiguard-anthropic/pkg/exchange"
)

type fakeMessages struct {
	mu          sync.Mutex
	calls       int
	streamCalls int
	got         anthropic.MessageNewParams
	resp        *anthropic.Message
	err         error
	stream      *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (f *fakeMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = body
	return f.resp, f.err
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	return f.stream
}

type fakeGuard struct {
	mu       sync.Mutex
	results  []*aiguard.GuardResult
	errs     []error
	requests []aiguard.GuardRequest
	ids      []string
}

func (f *fakeGuard) Guard(ctx context.Context, req aiguard.GuardRequest) (*aiguard.GuardResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	id, _ := exchange.GetID(ctx)
	f.ids = append(f.ids, id)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &aiguard.GuardResult{}, nil
}

const completionJSON = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-5",
	"content": [
		{"type": "text", "text": "Paris is the capital.", "citations": null},
		{"type": "text", "text": "Anything else?"}
	],
	"stop_reason": "end_turn",
	"stop_sequence": null,
	"usage": {"input_tokens": 12, "output_tokens": 8}
}`

func completion(t *testing.T) *anthropic.Message {
	t.Helper()
	var m anthropic.Message
	require.NoError(t, json.Unmarshal([]byte(completionJSON), &m))
	return &m
}

func request() anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-sonnet-4-5"),
		MaxTokens: 256,
		System:    []anthropic.TextBlockParam{{Text: "You are terse."}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock("What is the capital of France?"),
				anthropic.NewImageBlockBase64("image/png", "iVBORw0KGgo="),
			),
		},
	}
}

func texts(m *anthropic.Message) []string {
	var out []string
	for _, block := range m.Content {
		if block.Type == "text" {
			out = append(out, block.Text)
		}
	}
	return out
}

func TestNewPassThrough(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{}
	m := NewMessages(upstream, guard, WithInputRecipe("in"), WithOutputRecipe("out"))

	resp, err := m.New(context.Background(), request())
	require.NoError(t, err)
	assert.Same(t, upstream.resp, resp)
	assert.Equal(t, []string{"Paris is the capital.", "Anything else?"}, texts(resp))
	assert.Equal(t, 1, upstream.calls)
	assert.Equal(t, request().Messages, upstream.got.Messages)

	require.Len(t, guard.requests, 2)
	assert.Equal(t, aiguard.GuardRequest{
		Input: aiguard.GuardInput{Messages: []aiguard.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "What is the capital of France?"},
		}},
		Recipe: "in",
	}, guard.requests[0])
	assert.Equal(t, aiguard.GuardRequest{
		Input: aiguard.GuardInput{Messages: []aiguard.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "What is the capital of France?"},
			{Role: "assistant", Content: "Paris is the capital.\nAnything else?"},
		}},
		Recipe: "out",
	}, guard.requests[1])

	// Both phases of one exchange share an ID.
	require.Len(t, guard.ids, 2)
	assert.NotEmpty(t, guard.ids[0])
	assert.Equal(t, guard.ids[0], guard.ids[1])
}

func TestNewTransformedWithoutOutputPassesThrough(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{
		{Transformed: true},
		{Transformed: true},
	}}
	m := NewMessages(upstream, guard)

	resp, err := m.New(context.Background(), request())
	require.NoError(t, err)
	assert.Same(t, upstream.resp, resp)
	assert.Equal(t, request().Messages, upstream.got.Messages)
}

func TestNewInputBlocked(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{Blocked: true}}}
	m := NewMessages(upstream, guard, WithInputRecipe("pangea_prompt_guard"))

	resp, err := m.New(context.Background(), request())
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrBlocked)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, PhaseInput, blocked.Phase)
	assert.Equal(t, "pangea_prompt_guard", blocked.Recipe)

	assert.Equal(t, 0, upstream.calls)
	assert.Len(t, guard.requests, 1)
}

func TestNewOutputBlocked(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{}, {Blocked: true}}}
	m := NewMessages(upstream, guard)

	resp, err := m.New(context.Background(), request())
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrBlocked)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, PhaseOutput, blocked.Phase)
	assert.NotContains(t, err.Error(), "Paris")

	assert.Equal(t, 1, upstream.calls)
}

func TestNewInputSubstitution(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{
		Transformed: true,
		Output: &aiguard.GuardOutput{Messages: []aiguard.Message{
			{Role: "system", Content: "You are <REDACTED>."},
			{Role: "user", Content: "What is the capital of <LOCATION>?"},
			{Role: "assistant", Content: "Which country?"},
			{Role: "user", Content: "<LOCATION>"},
		}},
	}}}
	m := NewMessages(upstream, guard)

	original := request()
	_, err := m.New(context.Background(), original)
	require.NoError(t, err)

	assert.Equal(t, []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock("What is the capital of <LOCATION>?")),
		anthropic.NewAssistantMessage(anthropic.NewTextBlock("Which country?")),
		anthropic.NewUserMessage(anthropic.NewTextBlock("<LOCATION>")),
	}, upstream.got.Messages)
	assert.Equal(t, []anthropic.TextBlockParam{{Text: "You are <REDACTED>."}}, upstream.got.System)
	assert.Equal(t, original.Model, upstream.got.Model)
	assert.Equal(t, original.MaxTokens, upstream.got.MaxTokens)

	// The caller's request is not modified.
	assert.Equal(t, request().Messages, original.Messages)
	assert.Equal(t, request().System, original.System)

	// The output view is built from the original transcript.
	require.Len(t, guard.requests, 2)
	assert.Equal(t, "What is the capital of France?", guard.requests[1].Input.Messages[1].Content)
}

func TestNewInputSubstitutionKeepsSystem(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{
		Transformed: true,
		Output: &aiguard.GuardOutput{Messages: []aiguard.Message{
			{Role: "user", Content: "redacted"},
		}},
	}}}
	m := NewMessages(upstream, guard)

	_, err := m.New(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, request().System, upstream.got.System)
	assert.Equal(t, []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock("redacted")),
	}, upstream.got.Messages)
}

func TestNewInputSubstitutionEmptyForwardsOriginal(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{
		Transformed: true,
		Output:      &aiguard.GuardOutput{},
	}}}
	m := NewMessages(upstream, guard)

	_, err := m.New(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, request().Messages, upstream.got.Messages)
}

func TestNewInputSubstitutionUnexpectedRole(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{
		Transformed: true,
		Output: &aiguard.GuardOutput{Messages: []aiguard.Message{
			{Role: "tool", Content: "x"},
		}},
	}}}
	m := NewMessages(upstream, guard)

	_, err := m.New(context.Background(), request())
	assert.ErrorIs(t, err, ErrUnexpectedRole)
	assert.Equal(t, 0, upstream.calls)
}

func TestNewOutputSubstitution(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{}, {
		Transformed: true,
		Output: &aiguard.GuardOutput{Messages: []aiguard.Message{
			{Role: "user", Content: "What is the capital of France?"},
			{Role: "assistant", Content: "ignored"},
			{Role: "assistant", Content: "X"},
		}},
	}}}
	m := NewMessages(upstream, guard)

	resp, err := m.New(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "X", resp.Content[0].Text)
	assert.Empty(t, resp.Content[0].Citations)

	// Metadata survives, the original text does not.
	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, int64(8), resp.Usage.OutputTokens)
	assert.NotContains(t, resp.RawJSON(), "Paris")

	// The upstream response is not mutated.
	assert.Len(t, upstream.resp.Content, 2)
}

func TestNewOutputSubstitutionEmptyOutput(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{}, {
		Transformed: true,
		Output:      &aiguard.GuardOutput{},
	}}}
	m := NewMessages(upstream, guard)

	resp, err := m.New(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "", resp.Content[0].Text)
}

func TestNewOutputSubstitutionWithoutRawJSON(t *testing.T) {
	upstream := &fakeMessages{resp: &anthropic.Message{ID: "msg_local"}}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{}, {
		Transformed: true,
		Output:      &aiguard.GuardOutput{Messages: []aiguard.Message{{Role: "assistant", Content: "safe"}}},
	}}}
	m := NewMessages(upstream, guard)

	resp, err := m.New(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "msg_local", resp.ID)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "safe", resp.Content[0].Text)
	assert.Empty(t, resp.Content[0].Citations)
}

func TestNewUpstreamErrorPropagates(t *testing.T) {
	upstreamErr := errors.New("overloaded")
	upstream := &fakeMessages{err: upstreamErr}
	guard := &fakeGuard{}
	m := NewMessages(upstream, guard)

	_, err := m.New(context.Background(), request())
	assert.Same(t, upstreamErr, err)
	assert.Len(t, guard.requests, 1)
}

func TestNewGuardErrorPropagates(t *testing.T) {
	guardErr := &aiguard.APIError{StatusCode: 429, Status: "TooManyRequests"}

	upstream := &fakeMessages{resp: completion(t)}
	m := NewMessages(upstream, &fakeGuard{errs: []error{guardErr}})
	_, err := m.New(context.Background(), request())
	assert.Same(t, guardErr, err)
	assert.Equal(t, 0, upstream.calls)

	upstream = &fakeMessages{resp: completion(t)}
	m = NewMessages(upstream, &fakeGuard{errs: []error{nil, guardErr}})
	resp, err := m.New(context.Background(), request())
	assert.Nil(t, resp)
	assert.Same(t, guardErr, err)
	assert.Equal(t, 1, upstream.calls)
}

func TestNewKeepsExchangeID(t *testing.T) {
	guard := &fakeGuard{}
	m := NewMessages(&fakeMessages{resp: completion(t)}, guard)

	ctx := exchange.WithID(context.Background(), "ex-42")
	_, err := m.New(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, []string{"ex-42", "ex-42"}, guard.ids)
}

func TestNewStreamingBypassesGuard(t *testing.T) {
	stream := ssestream.NewStream[anthropic.MessageStreamEventUnion](nil, errors.New("unused"))
	upstream := &fakeMessages{stream: stream}
	guard := &fakeGuard{results: []*aiguard.GuardResult{{Blocked: true}}}
	m := NewMessages(upstream, guard)

	got := m.NewStreaming(context.Background(), request())
	assert.Same(t, stream, got)
	assert.Equal(t, 1, upstream.streamCalls)
	assert.Equal(t, 0, upstream.calls)
	assert.Empty(t, guard.requests)
}

func TestNewConcurrent(t *testing.T) {
	upstream := &fakeMessages{resp: completion(t)}
	guard := &fakeGuard{}
	m := NewMessages(upstream, guard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.New(context.Background(), request())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, upstream.calls)
	assert.Len(t, guard.requests, 16)
}
