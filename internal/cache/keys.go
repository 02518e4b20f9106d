package cache

import (
	"fmt"
	"time"
)

func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// ProviderWindowKey names the shared counter of one provider's fixed rate-limit window.
func ProviderWindowKey(provider string, window time.Duration, at time.Time) string {
	return fmt.Sprintf("ratelimit:ai:%s:%d", provider, at.UnixNano()/int64(window))
}
