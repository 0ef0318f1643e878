// Package llm talks to the target model under test.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/backoff"
	"behaviorbench/internal/logger"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/tmc/langchaingo/llms"
)

// Client sends one prompt to the target model and returns its reply.
// Failures are reported as *apperrors.UpstreamError.
type Client interface {
	Send(ctx context.Context, system, prompt string) (string, error)
}

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	Attempts int                 `yaml:"attempts"`
	Backoff  backoff.Exponential `yaml:"-"`
}

// DefaultRetryPolicy retries three times starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  backoff.Exponential{Base: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: 0.2},
	}
}

// ModelClient adapts a langchaingo model.
type ModelClient struct {
	provider string
	model    llms.Model
	opts     []llms.CallOption
}

// NewModelClient wraps m. Call options are applied to every request.
func NewModelClient(provider string, m llms.Model, opts ...llms.CallOption) *ModelClient {
	return &ModelClient{provider: provider, model: m, opts: opts}
}

func (c *ModelClient) Send(ctx context.Context, system, prompt string) (string, error) {
	if system == "" {
		out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, c.opts...)
		if err != nil {
			return "", Classify(c.provider, err)
		}
		return out, nil
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.model.GenerateContent(ctx, msgs, c.opts...)
	if err != nil {
		return "", Classify(c.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &apperrors.UpstreamError{Provider: c.provider, Err: errors.New("empty response")}
	}
	return resp.Choices[0].Content, nil
}

var transientMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"overloaded",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"500",
	"502",
	"503",
	"504",
	"eof",
}

// Classify wraps err as an UpstreamError, marking rate limits, server
// errors and network failures as transient. Context cancellation is returned
// unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var up *apperrors.UpstreamError
	if errors.As(err, &up) {
		return err
	}
	return &apperrors.UpstreamError{Provider: provider, Transient: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 429 || respErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type retrying struct {
	inner    Client
	provider string
	policy   RetryPolicy
}

// WithRetry retries transient failures of c according to p.
func WithRetry(c Client, provider string, p RetryPolicy) Client {
	if p.Attempts <= 1 {
		return c
	}
	return &retrying{inner: c, provider: provider, policy: p}
}

func (r *retrying) Send(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.Attempts; attempt++ {
		if attempt > 0 {
			if err := r.policy.Backoff.Wait(ctx, attempt-1); err != nil {
				return "", err
			}
		}
		out, err := r.inner.Send(ctx, system, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !apperrors.IsTransient(err) {
			return "", err
		}
		logger.Logger.Warn("target model call failed, retrying", "provider", r.provider, "attempt", attempt+1, "error", err)
	}
	return "", &apperrors.UpstreamError{
		Provider: r.provider,
		Err:      fmt.Errorf("retries exhausted after %d attempts: %w", r.policy.Attempts, lastErr),
	}
}
