package irq

import (
	"fmt"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/segos/log"
)

// Acknowledger receives the end-of-interrupt for the line a handler was
// invoked for. The local APIC and the legacy PIC both implement it.
type Acknowledger interface {
	EOI()
}

// KernelFault is the panic value for violated interrupt-context
// invariants. Nothing recovers from one.
type KernelFault struct {
	CPU    int
	Vector uint8
	Reason string
}

func (k *KernelFault) Error() string {
	return fmt.Sprintf("kernel fault on cpu%d (vector %#02x): %s", k.CPU, k.Vector, k.Reason)
}

// Fatal halts the processor described by ic.
func Fatal(ic *Context, reason string) {
	kf := &KernelFault{Reason: reason, CPU: -1}
	if ic != nil {
		kf.CPU = ic.CPU
		kf.Vector = ic.Vector
	}

	log.L.Error("kernel-fault", "cpu", kf.CPU, "vector", kf.Vector, "reason", reason)
	panic(kf)
}

// Context is handed to every interrupt handler. It exists only for the
// duration of one dispatch; holding on to it afterwards is a bug.
type Context struct {
	CPU    int
	Vector uint8
	Frame  *Frame
	L      hclog.Logger

	ack       Acknowledger
	beforeEOI []func()
	eois      int32
	done      int32
}

func newContext(cpu int, vector uint8, frame *Frame, ack Acknowledger, l hclog.Logger) *Context {
	return &Context{
		CPU:    cpu,
		Vector: vector,
		Frame:  frame,
		L:      l,
		ack:    ack,
	}
}

// Active reports whether the handler that owns ic is still running.
func (ic *Context) Active() bool {
	return ic != nil && atomic.LoadInt32(&ic.done) == 0
}

// BeforeEOI queues f to run just before the acknowledgement is sent.
func (ic *Context) BeforeEOI(f func()) {
	ic.beforeEOI = append(ic.beforeEOI, f)
}

// EOI runs the queued BeforeEOI hooks and acknowledges the interrupt. A
// second acknowledgement for the same dispatch is fatal.
func (ic *Context) EOI() {
	if !ic.Active() {
		Fatal(ic, "EOI sent outside interrupt context")
	}

	if atomic.AddInt32(&ic.eois, 1) != 1 {
		Fatal(ic, "double EOI")
	}

	for _, f := range ic.beforeEOI {
		f()
	}

	ic.beforeEOI = nil

	if ic.ack != nil {
		ic.ack.EOI()
	}
}

// EOIs is the number of acknowledgements sent so far.
func (ic *Context) EOIs() int {
	return int(atomic.LoadInt32(&ic.eois))
}

func (ic *Context) finish() {
	atomic.StoreInt32(&ic.done, 1)
}
