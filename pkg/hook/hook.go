// Package hook calls external hooks around job lifecycle events.
package hook

import (
	"context"
	"errors"
)

// Hook is an interface for before/after hooks.
type Hook[T any, R any] interface {
	// Before is called before the value T is processed.
	//
	// When it returns error, T should not be processed.
	Before(context.Context, T) (R, error)

	// After is called after the value T is processed.
	After(context.Context, T) error
}

var ErrHookFailed = errors.New("hook failed")
