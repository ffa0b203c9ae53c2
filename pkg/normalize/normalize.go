// Package normalize flattens Messages API structures into the text records
// submitted to the inspection service. Only text content is carried over.
package normalize

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
)

// Message returns one record per text block of m, in order. Non-text blocks are
// dropped, so a message without text yields no records.
func Message(m anthropic.MessageParam) []aiguard.Message {
	var out []aiguard.Message
	for _, block := range m.Content {
		if block.OfText == nil {
			continue
		}
		out = append(out, aiguard.Message{
			Role:    string(m.Role),
			Content: block.OfText.Text,
		})
	}
	return out
}

// System returns the system directive as a single system record, or nothing
// when there is no directive.
func System(system []anthropic.TextBlockParam) []aiguard.Message {
	if len(system) == 0 {
		return nil
	}
	parts := make([]string, len(system))
	for i, block := range system {
		parts[i] = block.Text
	}
	return []aiguard.Message{{
		Role:    aiguard.RoleSystem,
		Content: strings.Join(parts, "\n"),
	}}
}

// Transcript builds the input view of a request: the system record first,
// then every message's records in conversation order.
func Transcript(params anthropic.MessageNewParams) []aiguard.Message {
	out := System(params.System)
	for _, m := range params.Messages {
		out = append(out, Message(m)...)
	}
	return out
}

// ResponseText joins the text blocks of a completion with newlines.
func ResponseText(resp *anthropic.Message) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// WithResponse returns a copy of transcript with the completion appended as an
// assistant record. transcript itself is left untouched.
func WithResponse(transcript []aiguard.Message, resp *anthropic.Message) []aiguard.Message {
	out := make([]aiguard.Message, 0, len(transcript)+1)
	out = append(out, transcript...)
	return append(out, aiguard.Message{
		Role:    aiguard.RoleAssistant,
		Content: ResponseText(resp),
	})
}
