package syscalls

import (
	"context"
	"sync"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/memory"
)

// ScratchOffset is where a call's Data is placed, relative to the task's
// PSP segment.
const ScratchOffset = 0x0200

// Call is one DOS function issued by a Script.
type Call struct {
	// Regs supplies the general registers; AH selects the function. A
	// zero segment register keeps the task's current value.
	Regs abi.Registers

	// Data is copied to PSP:ScratchOffset and DS:DX pointed at it.
	Data []byte

	// Prepare, if set, adjusts the registers just before the call.
	Prepare func(t *kernel.Task, r *abi.Registers)

	// Native selects the kernel call table, keyed by EAX, instead of
	// INT 21h.
	Native bool
}

// Script is a Program that issues a fixed list of DOS calls, one per
// step, and records the registers each call returned.
type Script struct {
	Calls   []Call
	Invoker *Invoker

	mu       sync.Mutex
	pc       int
	inflight bool
	results  []abi.Registers
}

func NewScript(calls ...Call) *Script {
	return &Script{Calls: calls}
}

func (s *Script) Step(ctx context.Context, t *kernel.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the resumed call has filled in its registers by now
	if s.inflight {
		s.inflight = false
		s.results = append(s.results, t.Regs)
	}

	if s.pc >= len(s.Calls) {
		return kernel.ErrExited
	}

	c := s.Calls[s.pc]
	s.pc++

	err := s.load(t, c)
	if err != nil {
		return err
	}

	inv := s.Invoker
	if inv == nil {
		inv = &Invoker{}
	}

	ctx = kernel.SetTask(ctx, t)

	if c.Native {
		err = inv.InvokeNative(ctx)
	} else {
		err = inv.Invoke(ctx)
	}
	if err != nil {
		return err
	}

	if t.Resuming() || t.State() == kernel.Blocked {
		s.inflight = true
		return nil
	}

	s.results = append(s.results, t.Regs)

	return nil
}

func (s *Script) load(t *kernel.Task, c Call) error {
	r := t.Regs

	r.EAX = c.Regs.EAX
	r.EBX = c.Regs.EBX
	r.ECX = c.Regs.ECX
	r.EDX = c.Regs.EDX
	r.ESI = c.Regs.ESI
	r.EDI = c.Regs.EDI
	r.EBP = c.Regs.EBP

	for _, seg := range []struct {
		dst *uint32
		src uint32
	}{
		{&r.CS, c.Regs.CS},
		{&r.DS, c.Regs.DS},
		{&r.ES, c.Regs.ES},
	} {
		if seg.src != 0 {
			*seg.dst = seg.src
		}
	}

	if len(c.Data) > 0 {
		mem, err := t.Project(memory.Seg(t.PSP, ScratchOffset), uint32(len(c.Data)))
		if err != nil {
			return err
		}

		copy(mem, c.Data)

		r.DS = uint32(t.PSP)
		r.SetDX(ScratchOffset)
	}

	if c.Prepare != nil {
		c.Prepare(t, &r)
	}

	t.Regs = r

	return nil
}

// Results returns the registers of every call that has finished.
func (s *Script) Results() []abi.Registers {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]abi.Registers, len(s.results))
	copy(out, s.results)
	return out
}

// Done reports whether every call has been issued and finished.
func (s *Script) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pc >= len(s.Calls) && !s.inflight
}
