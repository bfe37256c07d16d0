package resilience

import "time"

// RetryFor builds the retry policy for one executor from its configured
// retry count. maxRetries is retries after the first attempt; 0 is valid and
// means a single attempt.
func RetryFor(executor string, maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = maxRetries + 1
	cfg.OnRetry = RetryLogger(executor, "extract")
	return cfg
}

// BreakerFor builds the breaker config for outbound services, overriding
// defaults only where the arguments are positive.
func BreakerFor(failureThreshold, resetTimeoutSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
