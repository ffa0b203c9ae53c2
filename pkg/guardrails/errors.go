package guardrails

import (
	"errors"
	"fmt"
)

// Phase identifies which side of an exchange a guard call inspected
type Phase string

const (
	// PhaseInput is the inspection of the conversation before the completion call
	PhaseInput Phase = "input"
	// PhaseOutput is the inspection of the completion before it is returned
	PhaseOutput Phase = "output"
)

var (
	// ErrBlocked matches every BlockedError via errors.Is
	ErrBlocked = errors.New("blocked by ai guard policy")

	// ErrUnexpectedRole is returned when a transformed input carries a role that
	// cannot be mapped back onto the request
	ErrUnexpectedRole = errors.New("unexpected role in transformed guard output")
)

// BlockedError reports that a guard verdict rejected the exchange. It never
// carries the completion, even when the output phase blocked.
type BlockedError struct {
	Phase  Phase
	Recipe string
}

func (e *BlockedError) Error() string {
	if e.Recipe == "" {
		return fmt.Sprintf("%s %s", e.Phase, ErrBlocked.Error())
	}
	return fmt.Sprintf("%s %s (recipe %s)", e.Phase, ErrBlocked.Error(), e.Recipe)
}

// Is reports whether target is ErrBlocked
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}
