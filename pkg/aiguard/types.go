// Package aiguard is a client for the AI Guard content inspection service.
package aiguard

// Role values accepted by the inspection service
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleDeveloper = "developer"
)

// Message is a flat text record submitted for inspection
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GuardInput wraps the messages to inspect
type GuardInput struct {
	Messages []Message `json:"messages"`
}

// GuardRequest is the body of a guard call. An empty Recipe lets the service
// apply its default.
type GuardRequest struct {
	Input  GuardInput `json:"input"`
	Recipe string     `json:"recipe,omitempty"`
}

// GuardOutput holds the transformed messages of a verdict
type GuardOutput struct {
	Messages []Message `json:"messages"`
}

// GuardResult is the verdict returned by the service
type GuardResult struct {
	Blocked     bool         `json:"blocked"`
	Transformed bool         `json:"transformed"`
	Output      *GuardOutput `json:"output,omitempty"`
}

// Last returns the content of the last transformed message, or "" when the
// verdict carries none.
func (r *GuardResult) Last() string {
	if r == nil || r.Output == nil || len(r.Output.Messages) == 0 {
		return ""
	}
	return r.Output.Messages[len(r.Output.Messages)-1].Content
}

// response is the service envelope around a result
type response struct {
	RequestID string       `json:"request_id"`
	Status    string       `json:"status"`
	Summary   string       `json:"summary"`
	Result    *GuardResult `json:"result"`
}
