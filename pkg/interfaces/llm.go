package interfaces

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessageService can create completions through the Messages API.
// *anthropic.MessageService satisfies it, as do the guarded and traced wrappers.
type MessageService interface {
	// New creates a completion and waits for the full response
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)

	// NewStreaming creates a completion and returns its event stream
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}
