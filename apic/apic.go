// Package apic provides the per-processor interrupt controllers. A Bus
// connects the local APICs of every processor so they can exchange
// inter-processor interrupts; pending vectors are delivered on a channel
// that the owning processor's run loop drains.
package apic

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/evanphx/segos/log"
)

// DefaultQueueDepth bounds how many undelivered vectors a processor may
// have outstanding.
const DefaultQueueDepth = 64

var (
	ErrUnknownCPU      = errors.New("no local APIC with that id")
	ErrCPUOffline      = errors.New("target processor is offline")
	ErrDeliveryStalled = errors.New("interrupt delivery queue full")
)

// Controller is the processor-local interrupt controller as seen by the
// scheduler and the timer cascade.
type Controller interface {
	ID() int
	EOI()
	SendIPI(target int, vector uint8) error
	BroadcastIPI(vector uint8) int
}

// Bus is the interconnect between local APICs.
type Bus struct {
	mu     sync.RWMutex
	lapics []*LocalAPIC
	depth  int
}

func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	return &Bus{depth: depth}
}

// Attach creates the local APIC for the next processor id.
func (b *Bus) Attach() *LocalAPIC {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := &LocalAPIC{
		id:      len(b.lapics),
		bus:     b,
		pending: make(chan uint8, b.depth),
	}

	b.lapics = append(b.lapics, l)

	return l
}

func (b *Bus) Get(id int) (*LocalAPIC, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if id < 0 || id >= len(b.lapics) {
		return nil, false
	}

	return b.lapics[id], true
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.lapics)
}

// LocalAPIC is one processor's interrupt controller.
type LocalAPIC struct {
	id      int
	bus     *Bus
	pending chan uint8

	online int32
	eois   uint64
	sent   uint64
}

func (l *LocalAPIC) ID() int {
	return l.id
}

// Pending delivers vectors raised on this processor, in arrival order.
func (l *LocalAPIC) Pending() <-chan uint8 {
	return l.pending
}

func (l *LocalAPIC) SetOnline(on bool) {
	var v int32
	if on {
		v = 1
	}

	atomic.StoreInt32(&l.online, v)
}

func (l *LocalAPIC) Online() bool {
	return atomic.LoadInt32(&l.online) == 1
}

func (l *LocalAPIC) EOI() {
	atomic.AddUint64(&l.eois, 1)
}

// EOIs counts acknowledgements written to this controller.
func (l *LocalAPIC) EOIs() uint64 {
	return atomic.LoadUint64(&l.eois)
}

// Sent counts IPIs this controller has issued.
func (l *LocalAPIC) Sent() uint64 {
	return atomic.LoadUint64(&l.sent)
}

// Raise queues vector for this processor without blocking.
func (l *LocalAPIC) Raise(vector uint8) error {
	select {
	case l.pending <- vector:
		return nil
	default:
		return errors.Wrapf(ErrDeliveryStalled, "cpu%d vector %#02x", l.id, vector)
	}
}

func (l *LocalAPIC) SendIPI(target int, vector uint8) error {
	dst, ok := l.bus.Get(target)
	if !ok {
		return errors.Wrapf(ErrUnknownCPU, "cpu%d", target)
	}

	if !dst.Online() {
		return errors.Wrapf(ErrCPUOffline, "cpu%d", target)
	}

	atomic.AddUint64(&l.sent, 1)

	return dst.Raise(vector)
}

// BroadcastIPI sends vector to every other online processor and returns
// how many accepted it.
func (l *LocalAPIC) BroadcastIPI(vector uint8) int {
	l.bus.mu.RLock()
	targets := append([]*LocalAPIC(nil), l.bus.lapics...)
	l.bus.mu.RUnlock()

	delivered := 0

	for _, dst := range targets {
		if dst == l || !dst.Online() {
			continue
		}

		atomic.AddUint64(&l.sent, 1)

		err := dst.Raise(vector)
		if err != nil {
			log.L.Error("ipi delivery failed", "from", l.id, "to", dst.id, "error", err)
			continue
		}

		delivered++
	}

	return delivered
}
