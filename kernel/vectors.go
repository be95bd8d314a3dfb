package kernel

import (
	"sync"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/memory"
)

// StubSegment holds the kernel's default handlers for every vector.
const StubSegment = 0xf000

func defaultVector(n uint8) memory.SegmentedAddress {
	return memory.Seg(StubSegment, uint16(n)<<2)
}

// IsDefaultVector reports whether addr is the kernel's own handler for n.
func IsDefaultVector(n uint8, addr memory.SegmentedAddress) bool {
	return addr == defaultVector(n)
}

func installDefaultVectors(s *memory.Space) error {
	for n := 0; n < 256; n++ {
		err := s.SetVector(uint8(n), defaultVector(uint8(n)))
		if err != nil {
			return err
		}
	}

	return nil
}

// restoreVectors puts the INT 22h, 23h and 24h handlers saved in psp back
// into the vector table.
func restoreVectors(s *memory.Space, psp *memory.PSP) error {
	saved := []struct {
		n    uint8
		addr memory.SegmentedAddress
	}{
		{abi.VectorTerminate, psp.TerminateVector},
		{abi.VectorCtrlBreak, psp.CtrlBreakVector},
		{abi.VectorCriticalError, psp.CriticalErrorVector},
	}

	for _, v := range saved {
		err := s.SetVector(v.n, v.addr)
		if err != nil {
			return err
		}
	}

	return nil
}

// Interrupts queues software interrupts raised against a task from
// outside it, such as Ctrl-Break.
type Interrupts struct {
	mu      sync.Mutex
	waiting map[uint8]struct{}
}

func (s *Interrupts) Queue(vector uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiting == nil {
		s.waiting = make(map[uint8]struct{})
	}

	s.waiting[vector] = struct{}{}
}

func (s *Interrupts) Dequeue() (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for vector := range s.waiting {
		delete(s.waiting, vector)
		return vector, true
	}

	return 0, false
}

// Break raises Ctrl-Break against t. It is delivered the next time t runs.
func (k *Kernel) Break(t *Task) {
	log.L.Trace("queue-break", "task", t.ID)

	t.interrupts.Queue(abi.VectorCtrlBreak)
}

// checkInterrupt delivers one queued interrupt. A vector still pointing
// at the kernel stub gets the default action; a hooked vector receives
// control at its handler.
func (k *Kernel) checkInterrupt(t *Task) bool {
	vector, ok := t.interrupts.Dequeue()
	if !ok {
		return false
	}

	addr, err := t.Space.Vector(vector)
	if err != nil {
		k.L.Error("reading vector", "task", t.ID, "vector", vector, "error", err)
		return false
	}

	if IsDefaultVector(vector, addr) {
		log.L.Trace("default-break", "task", t.ID)
		k.terminate(t, ExitCtrlBreak<<8)
		return true
	}

	log.L.Trace("deliver-interrupt", "task", t.ID, "vector", vector, "handler", addr)

	t.Regs.CS = uint32(addr.Segment)
	t.Regs.EIP = uint32(addr.Offset)

	return true
}
