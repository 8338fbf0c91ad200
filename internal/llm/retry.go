package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrServiceUnavailable is returned when retries against the completion
// service are exhausted. Callers surface it as a degraded-mode reply.
var ErrServiceUnavailable = errors.New("completion service unavailable")

// RetryingService wraps a CompletionService with bounded exponential
// backoff on transient failures (rate limits, 5xx, network errors).
// Non-transient errors are returned immediately.
type RetryingService struct {
	inner       CompletionService
	maxAttempts int
	baseDelay   time.Duration
	after       func(time.Duration) <-chan time.Time // for testing
}

// NewRetryingService wraps inner with up to maxAttempts attempts.
func NewRetryingService(inner CompletionService, maxAttempts int) *RetryingService {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingService{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
		after:       time.After,
	}
}

// Complete implements CompletionService.
func (s *RetryingService) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		resp, err := s.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !transient(err) {
			return nil, err
		}
		if attempt == s.maxAttempts {
			break
		}

		// Exponential backoff with jitter: base * 2^(attempt-1) +- 20%.
		delay := s.baseDelay * time.Duration(1<<(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
		log.Printf("[llm] transient failure (attempt %d/%d), retrying in %v: %v",
			attempt, s.maxAttempts, delay+jitter, err)

		// Cancellation mid-backoff returns immediately.
		select {
		case <-s.after(delay + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, lastErr)
}

// transient reports whether an error is worth retrying.
func transient(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429, 500, 502, 503, 529:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Verify RetryingService implements CompletionService at compile time.
var _ CompletionService = (*RetryingService)(nil)
