// Package once holds values that may be assigned at most one time.
package once

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrAlreadySet = errors.New("value already set")

// Value is a process-wide slot that accepts exactly one assignment. Reads
// before the assignment report ok == false.
type Value[T any] struct {
	mu  sync.RWMutex
	set bool
	v   T
}

func (o *Value[T]) Set(v T) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.set {
		return ErrAlreadySet
	}

	o.v = v
	o.set = true

	return nil
}

func (o *Value[T]) Get() (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.v, o.set
}

// MustGet returns the value or panics if it was never set.
func (o *Value[T]) MustGet() T {
	v, ok := o.Get()
	if !ok {
		panic("once: value read before it was set")
	}

	return v
}
