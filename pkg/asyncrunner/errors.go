package asyncrunner

import "fmt"

// PanicError is a recovered panic of a submission.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}
