package guardrails

import (
	"context"
	"regexp"
	"strings"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
)

// Longer patterns first so a card number is not half-redacted as a phone.
var redactionOrder = []string{"credit_card", "ssn", "phone", "ip_address", "email"}

// LocalGuard is an in-process stand-in for the AI Guard service. It blocks on
// configured words and redacts personally identifiable information.
type LocalGuard struct {
	blocked  *regexp.Regexp
	patterns map[string]*regexp.Regexp
	names    []string
}

// LocalOption configures a LocalGuard
type LocalOption func(*LocalGuard)

// WithBlockedWords blocks any transcript containing one of words
func WithBlockedWords(words ...string) LocalOption {
	return func(g *LocalGuard) {
		if len(words) == 0 {
			return
		}
		alternatives := make([]string, 0, len(words))
		for _, w := range words {
			if w == "" {
				continue
			}
			alternatives = append(alternatives, wordPattern(w))
		}
		if len(alternatives) == 0 {
			return
		}
		g.blocked = regexp.MustCompile(`(?i)(?:` + strings.Join(alternatives, "|") + `)`)
	}
}

// wordPattern matches w literally. A word boundary is only required on a side
// where w starts or ends with a word character; \b never matches beside a symbol.
func wordPattern(w string) string {
	pattern := regexp.QuoteMeta(w)
	if isWordByte(w[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(w[len(w)-1]) {
		pattern += `\b`
	}
	return pattern
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// WithoutRedaction disables PII redaction
func WithoutRedaction() LocalOption {
	return func(g *LocalGuard) {
		g.patterns = nil
	}
}

// NewLocalGuard creates a local guard with the default PII patterns
func NewLocalGuard(options ...LocalOption) *LocalGuard {
	g := &LocalGuard{
		patterns: map[string]*regexp.Regexp{
			"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			"phone":       regexp.MustCompile(`\b(\+\d{1,2}\s)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`),
			"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			"credit_card": regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
			"ip_address":  regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		},
	}

	for _, option := range options {
		option(g)
	}

	for _, name := range redactionOrder {
		if _, ok := g.patterns[name]; ok {
			g.names = append(g.names, name)
		}
	}

	return g
}

// Guard implements interfaces.Guard. The recipe is ignored.
func (g *LocalGuard) Guard(ctx context.Context, req aiguard.GuardRequest) (*aiguard.GuardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if g.blocked != nil {
		for _, m := range req.Input.Messages {
			if g.blocked.MatchString(m.Content) {
				return &aiguard.GuardResult{Blocked: true}, nil
			}
		}
	}

	out := make([]aiguard.Message, len(req.Input.Messages))
	transformed := false
	for i, m := range req.Input.Messages {
		content := m.Content
		for _, name := range g.names {
			pattern := g.patterns[name]
			if pattern.MatchString(content) {
				transformed = true
				content = pattern.ReplaceAllString(content, "[REDACTED "+name+"]")
			}
		}
		out[i] = aiguard.Message{Role: m.Role, Content: content}
	}

	if !transformed {
		return &aiguard.GuardResult{}, nil
	}
	return &aiguard.GuardResult{
		Transformed: true,
		Output:      &aiguard.GuardOutput{Messages: out},
	}, nil
}
