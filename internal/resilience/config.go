package resilience

import (
	"time"

	"github.com/sells-group/crypto-pipeline/internal/config"
)

// FromAPIConfig builds the retry policy for market-data calls. maxRetries is
// the total attempt budget; zero still allows the first attempt.
func FromAPIConfig(maxRetries int, api config.APIConfig) Policy {
	p := DefaultPolicy()
	p.Attempts = max(maxRetries, 1)
	p.BaseDelay = time.Second
	p.Window = time.Duration(max(api.RetryWindowSecs, 0)) * time.Second
	p.Cooldown = time.Duration(max(api.RateLimitCooldownSecs, 0)) * time.Second
	return p
}
