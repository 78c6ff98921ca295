package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the signaling Redis.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddConditionCheck fails with reason while ok reports false.
func (h *HealthChecker) AddConditionCheck(name, reason string, ok func() bool) {
	h.AddCheck(name, time.Second, func(context.Context) error {
		if !ok() {
			return fmt.Errorf("%w: %s", errCheckFailed, reason)
		}
		return nil
	})
}
