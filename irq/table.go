package irq

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// Handler services one interrupt. It runs with interrupts disabled on its
// processor and must acknowledge exactly once, through ic.EOI.
type Handler func(ic *Context)

// Table routes vectors to handlers for one processor.
type Table struct {
	CPU int
	L   hclog.Logger

	mu       sync.RWMutex
	handlers [256]Handler
	acks     [256]Acknowledger
	counts   [256]uint64
}

func NewTable(cpu int, l hclog.Logger) *Table {
	return &Table{CPU: cpu, L: l}
}

// Install routes vector to h, acknowledged through ack.
func (t *Table) Install(vector uint8, ack Acknowledger, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[vector] = h
	t.acks[vector] = ack
}

func (t *Table) Installed(vector uint8) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.handlers[vector] != nil
}

// Count is how many times vector has been dispatched.
func (t *Table) Count(vector uint8) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.counts[vector]
}

// Dispatch runs the handler for vector. An unhandled vector is still
// acknowledged so the line does not stall. A handler that returns
// without acknowledging is a fatal error.
func (t *Table) Dispatch(vector uint8, frame *Frame) {
	t.mu.Lock()
	h := t.handlers[vector]
	ack := t.acks[vector]
	t.counts[vector]++
	t.mu.Unlock()

	if frame == nil {
		frame = &Frame{}
	}

	ic := newContext(t.CPU, vector, frame, ack, t.L)
	defer ic.finish()

	if h == nil {
		if t.L != nil {
			t.L.Warn("unhandled interrupt", "vector", vector)
		}
		ic.EOI()
		return
	}

	h(ic)

	if ic.EOIs() != 1 {
		Fatal(ic, "handler returned without EOI")
	}
}
