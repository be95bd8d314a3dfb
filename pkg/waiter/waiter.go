// Package waiter lets goroutines outside interrupt context sleep until a
// kernel event fires. Notify never blocks, so it is safe to call from an
// interrupt handler or a driver completion.
package waiter

import (
	"context"
	"sync"

	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/pkg/ilist"
)

type EventType uint64

type Waiter struct {
	mu sync.RWMutex

	count   int
	waiters ilist.List
}

type Event struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++

	w.waiters.PushBack(e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count--

	w.waiters.Remove(e)
}

// Count returns the number of registered events.
func (w *Waiter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.count
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", w.count, "mask", mask)

	for it := w.waiters.Front(); it != nil; it = it.Next() {
		e := it.(*Event)
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}

// WaitFor calls check until it returns true, sleeping on mask between
// attempts. check runs once before any sleeping so an event that already
// happened is never missed.
func (w *Waiter) WaitFor(ctx context.Context, mask EventType, check func() bool) error {
	c := make(chan struct{}, 1)
	ev := w.RegisterChannel(mask, c)
	defer w.Unregister(ev)

	for {
		if check() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
		}
	}
}
