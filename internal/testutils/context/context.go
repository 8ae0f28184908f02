package context

import (
	"context"
	"testing"
	"time"
)

// WithTest wraps ctx with a deadline 1 second before the test's deadline,
// leaving room to clean up resources.
func WithTest(ctx context.Context, t *testing.T) (context.Context, func()) {
	t.Helper()
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-time.Second))
	}
	return context.WithCancel(ctx)
}
