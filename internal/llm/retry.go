package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
)

// callWithRetry retries rate-limited and transient server failures with
// escalating waits. Other errors are returned immediately.
func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	rateLimitWaitTimes := []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	serverErrorWaitTimes := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isRateLimitError(err) {
				if attempt < maxRetries-1 {
					if err := sleepCtx(ctx, rateLimitWaitTimes[attempt]); err != nil {
						return nil, err
					}
					continue
				}
			} else if isServerError(err) {
				if attempt < maxRetries-1 {
					if err := sleepCtx(ctx, serverErrorWaitTimes[attempt]); err != nil {
						return nil, err
					}
					continue
				}
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts due to transient API issues", maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
