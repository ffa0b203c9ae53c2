package aiguard

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a successful envelope carries no result
var ErrMalformedResponse = errors.New("ai guard response has no result")

// APIError is returned for non-200 responses and non-success envelopes
type APIError struct {
	StatusCode int
	Status     string
	Summary    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("ai guard: http %d", e.StatusCode)
	if e.Status != "" {
		msg += " " + e.Status
	}
	if e.Summary != "" {
		msg += ": " + e.Summary
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}
