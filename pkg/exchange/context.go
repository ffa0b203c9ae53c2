// Package exchange carries the identifier of a guarded exchange through a context.
package exchange

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type contextKey string

const (
	// idKey is the context key for the exchange ID
	idKey contextKey = "exchange_id"
)

var (
	// ErrNoID is returned when no exchange ID is found in the context
	ErrNoID = errors.New("no exchange ID found in context")
)

// NewID returns a fresh random exchange ID
func NewID() string {
	return uuid.New().String()
}

// WithID returns a new context with the given exchange ID
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// GetID returns the exchange ID from the context
func GetID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(idKey).(string)
	if !ok || id == "" {
		return "", ErrNoID
	}
	return id, nil
}

// Ensure returns ctx unchanged if it already carries an exchange ID, otherwise a
// derived context with a new one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, err := GetID(ctx); err == nil {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
