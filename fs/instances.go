package fs

import (
	"sync"

	"github.com/pkg/errors"
)

// Instances hands out instance numbers for a driver's open files, always
// reusing the lowest free number.
type Instances[T any] struct {
	mu    sync.Mutex
	limit int
	open  map[Instance]T
}

func NewInstances[T any](limit int) *Instances[T] {
	return &Instances[T]{
		limit: limit,
		open:  make(map[Instance]T),
	}
}

func (s *Instances[T]) Add(v T) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && len(s.open) >= s.limit {
		return 0, ErrTooManyOpen
	}

	inst := Instance(1)
	for {
		if _, used := s.open[inst]; !used {
			break
		}
		inst++
	}

	s.open[inst] = v

	return inst, nil
}

func (s *Instances[T]) Get(inst Instance) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.open[inst]
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrInvalidInstance, "instance %d", inst)
	}

	return v, nil
}

// Remove forgets inst and returns what was stored under it.
func (s *Instances[T]) Remove(inst Instance) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.open[inst]
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrInvalidInstance, "instance %d", inst)
	}

	delete(s.open, inst)

	return v, nil
}

func (s *Instances[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.open)
}
