package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// SlowOperation is the default threshold above which OperationTimer warns
const SlowOperation = 10 * time.Second

// OperationTimer returns a func that logs how long operation took when called.
// Durations above slow are logged at warn level; slow <= 0 uses SlowOperation.
//
// Usage:
//
//	defer utils.OperationTimer("ledger_save_run", 0, log)()
func OperationTimer(operation string, slow time.Duration, log zerolog.Logger) func() time.Duration {
	return operationTimer(operation, slow, log, time.Now)
}

func operationTimer(operation string, slow time.Duration, log zerolog.Logger, now func() time.Time) func() time.Duration {
	if slow <= 0 {
		slow = SlowOperation
	}
	start := now()

	return func() time.Duration {
		duration := now().Sub(start)
		if duration > slow {
			log.Warn().
				Str("operation", operation).
				Dur("duration", duration).
				Msg("Slow operation detected")
		} else {
			log.Debug().
				Str("operation", operation).
				Dur("duration", duration).
				Msg("Operation completed")
		}
		return duration
	}
}
