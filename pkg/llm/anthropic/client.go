// Package anthropic provides an Anthropic client whose Messages service is
// guarded by AI Guard.
package anthropic

import (
	"errors"
	"net/http"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/run-bigpig/aiguard-anthropic/pkg/aiguard"
	"github.com/run-bigpig/aiguard-anthropic/pkg/config"
	"github.com/run-bigpig/aiguard-anthropic/pkg/guardrails"
	"github.com/run-bigpig/aiguard-anthropic/pkg/interfaces"
	"github.com/run-bigpig/aiguard-anthropic/pkg/logging"
	"github.com/run-bigpig/aiguard-anthropic/pkg/tracing"
)

// ErrMissingCredentials is returned by NewClient when no AI Guard token is given
var ErrMissingCredentials = errors.New("missing credentials: an AI Guard token is required")

// Config holds what's needed to construct a Client. Empty Anthropic fields
// leave the SDK defaults in place.
type Config struct {
	BaseURL        string
	APIKey         string
	AuthToken      string
	AIGuardToken   string
	AIGuardBaseURL string
	InputRecipe    string
	OutputRecipe   string

	// AIGuardTimeout bounds each AI Guard call. It is ignored when an HTTP
	// client is passed with WithHTTPClient.
	AIGuardTimeout time.Duration
}

// ConfigFrom maps a loaded configuration onto a client Config
func ConfigFrom(cfg *config.Config) Config {
	baseURL := cfg.AIGuard.BaseURL
	if baseURL == "" {
		baseURL = aiguard.BaseURLForDomain(cfg.AIGuard.Domain)
	}
	return Config{
		BaseURL:        cfg.Anthropic.BaseURL,
		APIKey:         cfg.Anthropic.APIKey,
		AuthToken:      cfg.Anthropic.AuthToken,
		AIGuardToken:   cfg.AIGuard.Token,
		AIGuardBaseURL: baseURL,
		InputRecipe:    cfg.AIGuard.InputRecipe,
		OutputRecipe:   cfg.AIGuard.OutputRecipe,
		AIGuardTimeout: cfg.AIGuard.Timeout,
	}
}

// Client is an Anthropic client with a guarded Messages service
type Client struct {
	// Messages runs non-streaming calls through input and output inspection
	Messages *guardrails.Messages

	inputRecipe  string
	outputRecipe string
}

type settings struct {
	logger         logging.Logger
	httpClient     *http.Client
	requestOptions []option.RequestOption
	guard          interfaces.Guard
	messages       interfaces.MessageService
	otel           *tracing.OTelTracer
	langfuse       *tracing.LangfuseTracer
}

// Option represents an option for configuring the client
type Option func(*settings)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for both the Messages API and AI Guard
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *settings) {
		s.httpClient = httpClient
	}
}

// WithRequestOptions passes extra options to the Anthropic SDK client
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) {
		s.requestOptions = append(s.requestOptions, opts...)
	}
}

// WithGuard replaces the AI Guard client
func WithGuard(guard interfaces.Guard) Option {
	return func(s *settings) {
		s.guard = guard
	}
}

// WithMessageService replaces the unguarded Messages service
func WithMessageService(messages interfaces.MessageService) Option {
	return func(s *settings) {
		s.messages = messages
	}
}

// WithOTelTracer traces guard and completion calls with OpenTelemetry
func WithOTelTracer(tracer *tracing.OTelTracer) Option {
	return func(s *settings) {
		s.otel = tracer
	}
}

// WithLangfuseTracer records verdicts and completions in Langfuse
func WithLangfuseTracer(tracer *tracing.LangfuseTracer) Option {
	return func(s *settings) {
		s.langfuse = tracer
	}
}

// NewClient creates a guarded client. It fails with ErrMissingCredentials
// before doing anything else when cfg has no AI Guard token.
func NewClient(cfg Config, options ...Option) (*Client, error) {
	if cfg.AIGuardToken == "" {
		return nil, ErrMissingCredentials
	}

	s := &settings{logger: logging.NewNop()}
	for _, option := range options {
		option(s)
	}

	messages := s.messages
	if messages == nil {
		sdk := anthropicsdk.NewClient(s.sdkOptions(cfg)...)
		messages = &sdk.Messages
	}

	guard := s.guard
	if guard == nil {
		guardOpts := []aiguard.Option{aiguard.WithLogger(s.logger)}
		if cfg.AIGuardBaseURL != "" {
			guardOpts = append(guardOpts, aiguard.WithBaseURL(cfg.AIGuardBaseURL))
		}
		if s.httpClient != nil {
			guardOpts = append(guardOpts, aiguard.WithHTTPClient(s.httpClient))
		} else if cfg.AIGuardTimeout > 0 {
			guardOpts = append(guardOpts, aiguard.WithHTTPClient(&http.Client{Timeout: cfg.AIGuardTimeout}))
		}
		guard = aiguard.NewClient(cfg.AIGuardToken, guardOpts...)
	}

	// Langfuse sits under the guard, so it records inputs the guard later
	// blocks or redacts.
	if s.langfuse.Enabled() {
		guard = tracing.NewGuardLangfuseMiddleware(guard, s.langfuse)
		messages = tracing.NewMessagesLangfuseMiddleware(messages, s.langfuse)
	}
	if s.otel.Enabled() {
		guard = tracing.NewGuardOTelMiddleware(guard, s.otel)
		messages = tracing.NewMessagesOTelMiddleware(messages, s.otel)
	}

	return &Client{
		Messages: guardrails.NewMessages(messages, guard,
			guardrails.WithInputRecipe(cfg.InputRecipe),
			guardrails.WithOutputRecipe(cfg.OutputRecipe),
			guardrails.WithLogger(s.logger),
		),
		inputRecipe:  cfg.InputRecipe,
		outputRecipe: cfg.OutputRecipe,
	}, nil
}

func (s *settings) sdkOptions(cfg Config) []option.RequestOption {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.AuthToken != "" {
		opts = append(opts, option.WithAuthToken(cfg.AuthToken))
	}
	if s.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(s.httpClient))
	}
	return append(opts, s.requestOptions...)
}

// InputRecipe returns the recipe applied to conversations
func (c *Client) InputRecipe() string {
	return c.inputRecipe
}

// OutputRecipe returns the recipe applied to completions
func (c *Client) OutputRecipe() string {
	return c.outputRecipe
}
