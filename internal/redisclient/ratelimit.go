package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Allow records one request in the sliding window bucket for key and reports
// whether it fits within limit requests per window.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	n, err := c.windowScript.Run(ctx, c.rdb,
		[]string{"rate_limit:" + key},
		now, window.Milliseconds(), limit, member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return n == 1, nil
}
