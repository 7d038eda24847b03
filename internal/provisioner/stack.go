package provisioner

import (
	"context"
	"errors"
	"slices"
)

type (
	// Stack holds destructors for resources created while provisioning a
	// machine so they can be released in reverse order.
	Stack struct {
		destructors []Destructor
	}
	Destructor func(ctx context.Context) error
)

func (s *Stack) Push(d Destructor) {
	s.destructors = append(s.destructors, d)
}

// Destroy runs every destructor, last pushed first, and joins their errors.
// The stack is empty afterwards, so a second call is a no-op.
func (s *Stack) Destroy(ctx context.Context) error {
	var errs error
	for _, d := range slices.Backward(s.destructors) {
		errs = errors.Join(errs, d(ctx))
	}
	s.destructors = nil
	return errs
}
