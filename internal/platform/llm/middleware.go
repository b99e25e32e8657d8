package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// -- Timeout --

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A non-positive d disables it.
func WithTimeout(next Client, d time.Duration) Client {
	if d <= 0 {
		return next
	}
	return &timeoutClient{next: next, timeout: d}
}

func (c *timeoutClient) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.GenerateStructured(ctx, prompt, schema, out)
}

func (c *timeoutClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.GenerateText(ctx, prompt)
}

// -- Rate limit --

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit shares one token bucket across all calls. A non-positive rps
// disables it.
func WithRateLimit(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedClient{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (c *rateLimitedClient) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm rate limit: %w", err)
	}
	return c.next.GenerateStructured(ctx, prompt, schema, out)
}

func (c *rateLimitedClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit: %w", err)
	}
	return c.next.GenerateText(ctx, prompt)
}

// -- Logging --

type loggingClient struct {
	next     Client
	logger   zerolog.Logger
	provider string
}

// WithLogging records latency and outcome of each call. Prompts and outputs
// carry PHI and are never logged.
func WithLogging(next Client, logger zerolog.Logger, provider string) Client {
	return &loggingClient{next: next, logger: logger, provider: provider}
}

func (c *loggingClient) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	start := time.Now()
	err := c.next.GenerateStructured(ctx, prompt, schema, out)
	c.log("structured", start, len(prompt), err).Str("schema", schema.Name).Msg("llm call")
	return err
}

func (c *loggingClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := c.next.GenerateText(ctx, prompt)
	c.log("text", start, len(prompt), err).Int("output_len", len(text)).Msg("llm call")
	return text, err
}

func (c *loggingClient) log(mode string, start time.Time, promptLen int, err error) *zerolog.Event {
	evt := c.logger.Debug()
	if err != nil {
		evt = c.logger.Warn().Err(err)
	}
	return evt.
		Str("provider", c.provider).
		Str("mode", mode).
		Int("prompt_len", promptLen).
		Dur("latency", time.Since(start))
}

// -- Metrics --

// Observer receives the latency and outcome of every call.
type Observer interface {
	ObserveLLMCall(provider, mode string, d time.Duration, err error)
}

type observedClient struct {
	next     Client
	obs      Observer
	provider string
}

// WithObserver reports each call to obs. A nil obs disables it.
func WithObserver(next Client, obs Observer, provider string) Client {
	if obs == nil {
		return next
	}
	return &observedClient{next: next, obs: obs, provider: provider}
}

func (c *observedClient) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	start := time.Now()
	err := c.next.GenerateStructured(ctx, prompt, schema, out)
	c.obs.ObserveLLMCall(c.provider, "structured", time.Since(start), err)
	return err
}

func (c *observedClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := c.next.GenerateText(ctx, prompt)
	c.obs.ObserveLLMCall(c.provider, "text", time.Since(start), err)
	return text, err
}

// -- Tracing --

type tracedClient struct {
	next     Client
	tracer   trace.Tracer
	provider string
}

// WithTracing wraps each call in a client span on the global tracer
// provider. Prompt text is never attached.
func WithTracing(next Client, provider string) Client {
	return &tracedClient{
		next:     next,
		tracer:   otel.Tracer("github.com/ehr/ehrctx/internal/platform/llm"),
		provider: provider,
	}
}

func (c *tracedClient) start(ctx context.Context, mode string, promptLen int) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "llm."+mode,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", c.provider),
			attribute.Int("llm.prompt_len", promptLen),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm call failed")
	}
	span.End()
}

func (c *tracedClient) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	ctx, span := c.start(ctx, "structured", len(prompt))
	span.SetAttributes(attribute.String("llm.schema", schema.Name))
	err := c.next.GenerateStructured(ctx, prompt, schema, out)
	endSpan(span, err)
	return err
}

func (c *tracedClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, span := c.start(ctx, "text", len(prompt))
	text, err := c.next.GenerateText(ctx, prompt)
	endSpan(span, err)
	return text, err
}
