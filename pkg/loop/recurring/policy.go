package recurring

import (
	"fmt"
	"time"

	"github.com/opst/jobrunner/pkg/loop"
)

// Policy decides how the loop goes on after each run of a Task.
type Policy interface {
	Next(updated bool, err error) loop.Next
	String() string
}

// Forever never ends the loop.
//
// It runs again at once when the last run did something, or after interval otherwise.
// Errors do not stop it.
func Forever(interval time.Duration) Policy {
	return forever(interval)
}

type forever time.Duration

func (f forever) String() string {
	return fmt.Sprintf("forever:%s", time.Duration(f))
}

func (f forever) Next(updated bool, _ error) loop.Next {
	if updated {
		return loop.Continue(0)
	}
	return loop.Continue(time.Duration(f))
}
