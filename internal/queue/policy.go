package queue

import (
	"mediapulse/internal/config"
)

// PoliciesFromConfig maps runtime configuration onto the fixed set of
// logical queues. Transcode is dispatch-capped and keeps more terminal
// records; email is uncapped with tighter retention.
func PoliciesFromConfig(cfg config.Config) map[string]Policy {
	return map[string]Policy{
		Transcode: {
			MaxAttempts:        cfg.MaxAttempts,
			BaseDelay:          cfg.BackoffBase,
			MaxDelay:           cfg.BackoffMax,
			DispatchEvery:      cfg.TranscodeDispatchEvery,
			CompletedRetention: cfg.TranscodeCompletedRetention,
			FailedRetention:    cfg.TranscodeFailedRetention,
		},
		Email: {
			MaxAttempts:        cfg.MaxAttempts,
			BaseDelay:          cfg.BackoffBase,
			MaxDelay:           cfg.BackoffMax,
			CompletedRetention: cfg.EmailCompletedRetention,
			FailedRetention:    cfg.EmailFailedRetention,
		},
	}
}
