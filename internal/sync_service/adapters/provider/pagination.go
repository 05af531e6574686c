package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultMaxPages is the hard safety bound on cursor walks.
	DefaultMaxPages = 20
	// RetryAttempts bounds retries on rate-limited calls.
	RetryAttempts = 3
	// FallbackRetryDelay is used when the provider supplies no retry delay.
	FallbackRetryDelay = time.Second
)

// RateLimitError signals an HTTP 429 with an optional provider-supplied
// retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by provider (retry after %s)", e.RetryAfter)
}

// RateLimitFromResponse translates a 429 response into a RateLimitError,
// honoring the Retry-After header when present. Returns nil for any other
// status.
func RateLimitFromResponse(resp *http.Response) *RateLimitError {
	if resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	var retryAfter time.Duration
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return &RateLimitError{RetryAfter: retryAfter}
}

// WalkOptions configures a cursor walk.
type WalkOptions struct {
	// MaxPages caps the walk; 0 means DefaultMaxPages. Hitting the cap means
	// the sync may be incomplete: logged, never looped past.
	MaxPages int
	// Enough, when non-nil, short-circuits the walk once the collected count
	// satisfies the caller (e.g. requested limit fits in one page).
	Enough func(collected int) bool
}

// WalkPages repeatedly calls fetch with the previous page's cursor until the
// cursor is empty, the page cap is reached, or Enough is satisfied. Items
// collected before a mid-walk failure are returned alongside the error so
// callers can keep partial results.
func WalkPages[T any](ctx context.Context, logger *slog.Logger, opts WalkOptions, fetch func(ctx context.Context, cursor string) ([]T, string, error)) ([]T, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var collected []T
	cursor := ""
	for page := 0; page < maxPages; page++ {
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return collected, err
		}
		collected = append(collected, items...)

		if next == "" {
			return collected, nil
		}
		if opts.Enough != nil && opts.Enough(len(collected)) {
			return collected, nil
		}
		cursor = next
	}

	logger.WarnContext(ctx, "pagination stopped at max page count; results may be incomplete",
		"max_pages", maxPages, "collected", len(collected))
	return collected, nil
}

// DoWithRetry runs call, backing off and retrying on rate limits. The
// provider-supplied delay is honored when present, otherwise the fixed
// fallback. After RetryAttempts exhausted the rate-limit error is returned
// to the caller for that single item only; any other error returns at once.
func DoWithRetry[T any](ctx context.Context, logger *slog.Logger, op string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return zero, err
		}
		lastErr = err
		if attempt == RetryAttempts {
			break
		}

		delay := rle.RetryAfter
		if delay <= 0 {
			delay = FallbackRetryDelay
		}
		logger.WarnContext(ctx, "rate limited, backing off",
			"op", op, "attempt", attempt, "delay", delay.String())

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
