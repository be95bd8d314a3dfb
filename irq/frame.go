// Package irq models the interrupt execution domain: the state a trap
// captures, the table that routes vectors to handlers, and the context a
// handler runs in. Handlers must not block.
package irq

import (
	"fmt"
	"io"
)

// Frame is pushed by the processor on every interrupt or exception.
type Frame struct {
	EIP    uint32
	CS     uint32
	EFlags uint32
}

// SavedState holds the general registers the entry stub saves before
// calling into a handler.
type SavedState struct {
	EDI uint32
	ESI uint32
	EBP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32
}

func (f *Frame) Print(w io.Writer) {
	fmt.Fprintf(w, "EIP = %08x CS = %04x EFLAGS = %08x\n", f.EIP, f.CS&0xffff, f.EFlags)
}

// Vector numbers used by the kernel.
const (
	// VectorPIT is the legacy timer line, IRQ 0 remapped past the
	// exceptions.
	VectorPIT = 0x20

	// VectorTimerIPI is broadcast by the boot processor so application
	// processors tick in step with it.
	VectorTimerIPI = 0xf0
)
