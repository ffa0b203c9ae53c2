package interfaces

import (
	"context"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
)

// Guard represents a content inspection service
type Guard interface {
	// Guard inspects the request's messages and returns the service verdict
	Guard(ctx context.Context, req aiguard.GuardRequest) (*aiguard.GuardResult, error)
}
