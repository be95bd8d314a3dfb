package kernel

import (
	"context"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/apic"
	"github.com/evanphx/segos/irq"
)

var ErrHalted = errors.New("processor halted")

// CPU is one processor: its interrupt controller, its vector table and
// the scheduler that owns its tasks. Everything here runs on the single
// goroutine that drives the CPU.
type CPU struct {
	ID    int
	L     hclog.Logger
	Sched *Scheduler
	Table *irq.Table
	LAPIC *apic.LocalAPIC

	k      *Kernel
	halted int32
	steps  uint64
}

func (c *CPU) IsBSP() bool {
	return c.ID == 0
}

func (c *CPU) Halted() bool {
	return atomic.LoadInt32(&c.halted) == 1
}

// Steps counts program steps run on this processor.
func (c *CPU) Steps() uint64 {
	return atomic.LoadUint64(&c.steps)
}

func (c *CPU) frame() *irq.Frame {
	f := &irq.Frame{}

	if t := c.Sched.Current(); t != nil {
		f.EIP = t.Regs.EIP
		f.CS = t.Regs.CS
		f.EFlags = t.Regs.Flags
	}

	return f
}

// dispatch runs the handler for vector. A kernel fault halts the
// processor and takes it off the interrupt bus.
func (c *CPU) dispatch(vector uint8) (err error) {
	if c.Halted() {
		return ErrHalted
	}

	defer func() {
		if r := recover(); r != nil {
			kf, ok := r.(*irq.KernelFault)
			if !ok {
				panic(r)
			}

			atomic.StoreInt32(&c.halted, 1)
			c.LAPIC.SetOnline(false)

			if c.IsBSP() {
				c.k.Machine.PIC.Mask(timerLine)
			}

			err = kf
		}
	}()

	c.Table.Dispatch(vector, c.frame())

	return nil
}

// Poll services every vector already pending and returns how many ran.
func (c *CPU) Poll() (int, error) {
	n := 0

	for {
		select {
		case v := <-c.LAPIC.Pending():
			err := c.dispatch(v)
			if err != nil {
				return n, err
			}
			n++
		default:
			return n, nil
		}
	}
}

// Step gives the current task one program step. It reports false when
// nothing is runnable.
func (c *CPU) Step(ctx context.Context) bool {
	t := c.Sched.Current()
	if t == nil || t.State() != Running {
		return false
	}

	atomic.AddUint64(&c.steps, 1)

	c.k.execute(ctx, t)

	return true
}

// Run drives the processor until ctx ends or it halts. Pending interrupts
// are always serviced before the next program step.
func (c *CPU) Run(ctx context.Context) error {
	c.L.Debug("cpu online", "cpu", c.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c.LAPIC.Pending():
			err := c.dispatch(v)
			if err != nil {
				return err
			}
			continue
		default:
		}

		if c.Step(ctx) {
			continue
		}

		// idle until the next interrupt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c.LAPIC.Pending():
			err := c.dispatch(v)
			if err != nil {
				return err
			}
		}
	}
}
