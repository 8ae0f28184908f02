// Package loop runs a task repeatedly, carrying a value between runs.
package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells the loop what to do after a task run.
type Next struct {
	// breaks with this error when not nil.
	err error

	// breaks without error when true and err is nil.
	quit bool

	// otherwise, waits this long before the next run.
	interval time.Duration
}

func (n Next) String() string {
	switch {
	case n.err != nil:
		return fmt.Sprintf("[break] with error: %v", n.err)
	case n.quit:
		return "[break] without error"
	default:
		return fmt.Sprintf("[continue] interval: %s", n.interval)
	}
}

// Continue the loop after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break the loop. Pass nil to break without error.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task receives the value returned at the last run, and returns a new value with Continue or Break.
//
// Zero value Next{} equals Continue(0).
type Task[T any] func(context.Context, T) (T, Next)

type config struct {
	paced bool
}

type Option func(*config) *config

// Paced counts an interval from when the run begins, not from when it ends.
//
// A run taking longer than the interval is followed by the next run immediately.
func Paced() Option {
	return func(c *config) *config {
		c.paced = true
		return c
	}
}

// Start runs task in loop.
//
// The task is called with init at first, then with the value it returned last time.
// The loop ends when the task returns Break, or ctx is done.
//
// # Returns
//
// - T: the value task returned at last. It is returned with or without error.
//
// - error: error passed to Break, or ctx.Err() when ctx is done.
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	conf := &config{}
	for _, opt := range options {
		conf = opt(conf)
	}

	value := init
	for {
		if err := ctx.Err(); err != nil {
			return value, err
		}

		began := time.Now()
		v, next := task(ctx, value)
		value = v
		if next.err != nil {
			return value, next.err
		}
		if next.quit {
			return value, nil
		}

		wait := next.interval
		if conf.paced {
			wait -= time.Since(began)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}
