package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/relay"
	"chat-relay/internal/telemetry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	scopeName      = "chat-relay/internal/integrations/openai"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Client is a focused OpenAI client for streamed chat completions and
// moderation, instrumented with OpenTelemetry.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	tp          trace.TracerProvider
	tracer      trace.Tracer
	now         func() time.Time

	apiMu sync.Mutex
	api   *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tp = tp
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first call to
// StreamChat or Moderate and reused for the lifetime of the process once the
// fetch succeeds.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		getter:      ps,
		paramPrefix: paramPrefix,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = telemetry.Tracer(c.tp, scopeName)
	if c.httpClient == nil {
		c.httpClient = newInstrumentedHTTPClient(c.tp)
	}
	return c, nil
}

// newInstrumentedHTTPClient returns an HTTP client whose requests show up as
// child spans of the chat span. There is no overall timeout: a streamed body
// is bounded by the request context instead.
func newInstrumentedHTTPClient(tp trace.TracerProvider) *http.Client {
	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}),
	}
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, opts...)}
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolveAPI builds the SDK client on first use, once the API key has been
// read from SSM. Failures are not cached; the next call fetches again.
func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	key, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	cfg.HTTPClient = c.httpClient
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// StreamChat issues one streaming chat completion. The returned source must be
// drained or closed; the chat span ends when it is.
func (c *Client) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (relay.Source, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: messages must not be empty")
	}

	api, err := c.resolveAPI(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "openai.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrSystem.String("openai"),
			attrOperation.String("chat"),
			attrRequestType.String("chat"),
			attrRequestModel.String(model),
			attrStreaming.Bool(true),
		),
	)
	span.SetAttributes(promptAttributes(messages)...)

	started := c.now()
	stream, err := api.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		err = upstreamError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("openai: create chat stream: %w", err)
	}

	return &chatStream{stream: stream, span: span, started: started, now: c.now}, nil
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return false, err
	}

	ctx, span := c.tracer.Start(ctx, "openai.moderation", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := api.Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		err = upstreamError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("openai: moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	flagged := resp.Results[0].Flagged
	span.SetAttributes(attribute.Bool("moderation.flagged", flagged))

	return flagged, nil
}

func toOpenAIMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// upstreamError converts SDK errors carrying an HTTP status into *HTTPStatusError.
func upstreamError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return err
}
