package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWalkPagesStopsOnEmptyCursor(t *testing.T) {
	pages := map[string][]int{
		"":   {1, 2},
		"p2": {3, 4},
		"p3": {5},
	}
	next := map[string]string{"": "p2", "p2": "p3", "p3": ""}

	items, err := WalkPages(context.Background(), testLogger(), WalkOptions{}, func(ctx context.Context, cursor string) ([]int, string, error) {
		return pages[cursor], next[cursor], nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, items)
}

func TestWalkPagesHaltsAtMaxPagesOnAdversarialCursor(t *testing.T) {
	var calls int
	// The provider never returns an empty cursor.
	items, err := WalkPages(context.Background(), testLogger(), WalkOptions{MaxPages: 5}, func(ctx context.Context, cursor string) ([]int, string, error) {
		calls++
		return []int{calls}, "cursor-" + strconv.Itoa(calls), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Len(t, items, 5)
}

func TestWalkPagesShortCircuitsWhenEnough(t *testing.T) {
	var calls int
	items, err := WalkPages(context.Background(), testLogger(), WalkOptions{
		Enough: func(collected int) bool { return collected >= 2 },
	}, func(ctx context.Context, cursor string) ([]int, string, error) {
		calls++
		return []int{calls}, "more", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, items, 2)
}

func TestWalkPagesKeepsPartialResultsOnError(t *testing.T) {
	boom := errors.New("listing failed")
	items, err := WalkPages(context.Background(), testLogger(), WalkOptions{}, func(ctx context.Context, cursor string) ([]int, string, error) {
		if cursor == "" {
			return []int{1, 2}, "p2", nil
		}
		return nil, "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, items)
}

func TestDoWithRetrySucceedsWithinBudget(t *testing.T) {
	var attempts int
	result, err := DoWithRetry(context.Background(), testLogger(), "probe", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &RateLimitError{RetryAfter: time.Millisecond}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDoWithRetryExhaustsBudget(t *testing.T) {
	var attempts int
	_, err := DoWithRetry(context.Background(), testLogger(), "probe", func(ctx context.Context) (string, error) {
		attempts++
		return "", &RateLimitError{RetryAfter: time.Millisecond}
	})
	var rle *RateLimitError
	assert.ErrorAs(t, err, &rle)
	assert.Equal(t, RetryAttempts, attempts)
}

func TestDoWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("bad credentials")
	var attempts int
	_, err := DoWithRetry(context.Background(), testLogger(), "probe", func(ctx context.Context) (string, error) {
		attempts++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRateLimitFromResponse(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	rle := RateLimitFromResponse(resp)
	require.NotNil(t, rle)
	assert.Equal(t, 7*time.Second, rle.RetryAfter)

	assert.Nil(t, RateLimitFromResponse(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}}))

	noHeader := RateLimitFromResponse(&http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}})
	require.NotNil(t, noHeader)
	assert.Equal(t, time.Duration(0), noHeader.RetryAfter)
}
