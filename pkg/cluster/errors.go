package cluster

import (
	"errors"
	"fmt"

	kubeerr "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// the resource is not found in the cluster.
	ErrMissing = errors.New("missing")

	// the resource is already in the cluster.
	ErrConflict = errors.New("conflict")
)

// classify marks API errors with ErrMissing or ErrConflict.
//
// The original error is kept in the chain, so kubeerr.IsNotFound and the like still work.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case kubeerr.IsNotFound(err):
		return fmt.Errorf("%w: %w", ErrMissing, err)
	case kubeerr.IsAlreadyExists(err), kubeerr.IsConflict(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}
