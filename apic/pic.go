package apic

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrInvalidIRQ = errors.New("irq line out of range")

// PIC is the legacy pair of 8259 controllers. Only the boot processor is
// wired to it, so every line it raises lands in that processor's queue.
type PIC struct {
	mu sync.Mutex

	base   uint8
	target *LocalAPIC

	irr uint16 // requested, not yet serviced
	isr uint16 // in service, waiting for EOI
	imr uint16 // masked lines

	eois [16]uint64
}

// NewPIC routes lines 0-15 to vectors base..base+15 on target.
func NewPIC(target *LocalAPIC, base uint8) *PIC {
	return &PIC{
		base:   base,
		target: target,
	}
}

// Raise asserts irq. A line already in service latches the request in
// the request register for delivery at its EOI. It reports false when the
// request was lost: the line is masked, or a request is already latched
// and the two merge.
func (p *PIC) Raise(irq uint8) (bool, error) {
	if irq > 15 {
		return false, ErrInvalidIRQ
	}

	bit := uint16(1) << irq

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.imr&bit != 0 || p.irr&bit != 0 {
		return false, nil
	}

	if p.isr&bit != 0 {
		p.irr |= bit
		return true, nil
	}

	err := p.target.Raise(p.base + irq)
	if err != nil {
		return false, err
	}

	p.isr |= bit

	return true, nil
}

// EndOfInterrupt clears irq from service and delivers a latched request
// for the same line, if any.
func (p *PIC) EndOfInterrupt(irq uint8) {
	if irq > 15 {
		return
	}

	bit := uint16(1) << irq

	p.mu.Lock()
	defer p.mu.Unlock()

	p.isr &^= bit
	p.eois[irq]++

	if p.irr&bit != 0 {
		p.irr &^= bit

		if p.imr&bit == 0 && p.target.Raise(p.base+irq) == nil {
			p.isr |= bit
		}
	}
}

// Mask stops delivery on irq. Requests raised while masked are lost.
func (p *PIC) Mask(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.imr |= 1 << (irq & 15)
}

func (p *PIC) InService() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.isr
}

func (p *PIC) EOIs(irq uint8) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.eois[irq&15]
}

// Line adapts one PIC line to the acknowledgement interface handlers use.
func (p *PIC) Line(irq uint8) LineAck {
	return LineAck{pic: p, irq: irq}
}

type LineAck struct {
	pic *PIC
	irq uint8
}

func (l LineAck) EOI() {
	l.pic.EndOfInterrupt(l.irq)
}
