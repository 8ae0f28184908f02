// Package recurring runs tasks which say whether they did something,
// deciding when to run them again with a Policy.
package recurring

import (
	"context"

	"github.com/opst/jobrunner/pkg/loop"
)

// Task is a loop body which also tells whether the run did something.
//
// The monitor cycle is a Task carrying the watched states from a cycle to the next.
// An error is passed to the Policy, which decides whether the loop goes on.
type Task[T any] func(context.Context, T) (next T, updated bool, err error)

// Applied makes a loop.Task running rt, with the next step decided by p.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, value T) (T, loop.Next) {
		next, updated, err := rt(ctx, value)
		return next, p.Next(updated, err)
	}
}
