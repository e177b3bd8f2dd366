package lifecycle

import (
	"context"
	"os/signal"
	"time"
)

// DefaultShutdownBudget bounds teardown when no configured value is available.
const DefaultShutdownBudget = 5 * time.Second

// NotifyContext is canceled on the first termination signal.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, TerminationSignals()...)
}

// ShutdownContext keeps parent's values but not its cancellation, so teardown
// still runs after a signal canceled the run context.
func ShutdownContext(parent context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		budget = DefaultShutdownBudget
	}
	return context.WithTimeout(context.WithoutCancel(parent), budget)
}
