package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/apic"
	"github.com/evanphx/segos/irq"
	"github.com/evanphx/segos/log"
)

var ErrNoCPU = errors.New("no such processor")

// Machine is the processor topology. Processor 0 is the boot processor
// and the only one wired to the legacy timer; it forwards every timer
// period to the others as an IPI.
type Machine struct {
	Bus  *apic.Bus
	PIC  *apic.PIC
	CPUs []*CPU
	L    hclog.Logger

	periods uint64
	dropped uint64
}

// timerLine is the PIC line the legacy timer drives.
const timerLine = 0

func newMachine(k *Kernel, cpus int, quantum uint64) *Machine {
	if cpus < 1 {
		cpus = 1
	}

	m := &Machine{
		Bus: apic.NewBus(apic.DefaultQueueDepth),
		L:   log.Named("machine"),
	}

	for i := 0; i < cpus; i++ {
		l := log.Named(fmt.Sprintf("cpu%d", i))

		cpu := &CPU{
			ID:    i,
			L:     l,
			Sched: NewScheduler(i, quantum, l),
			Table: irq.NewTable(i, l),
			LAPIC: m.Bus.Attach(),
			k:     k,
		}

		cpu.LAPIC.SetOnline(true)

		m.CPUs = append(m.CPUs, cpu)
	}

	bsp := m.CPUs[0]

	m.PIC = apic.NewPIC(bsp.LAPIC, irq.VectorPIT)

	bsp.Table.Install(irq.VectorPIT, m.PIC.Line(timerLine), m.bspTimer(bsp))

	for _, cpu := range m.CPUs[1:] {
		cpu.Table.Install(irq.VectorTimerIPI, cpu.LAPIC, apTimer(cpu))
	}

	return m
}

// bspTimer ticks the boot processor and then forwards the period. The
// broadcast runs as part of the acknowledgement so it always precedes
// the EOI to the PIC.
func (m *Machine) bspTimer(cpu *CPU) irq.Handler {
	return func(ic *irq.Context) {
		ic.BeforeEOI(func() {
			n := cpu.LAPIC.BroadcastIPI(irq.VectorTimerIPI)
			ic.L.Trace("timer-broadcast", "targets", n)
		})

		cpu.Sched.Tick(ic)
	}
}

func apTimer(cpu *CPU) irq.Handler {
	return func(ic *irq.Context) {
		cpu.Sched.Tick(ic)
	}
}

func (m *Machine) BSP() *CPU {
	return m.CPUs[0]
}

func (m *Machine) CPU(id int) (*CPU, error) {
	if id < 0 || id >= len(m.CPUs) {
		return nil, errors.Wrapf(ErrNoCPU, "cpu%d", id)
	}

	return m.CPUs[id], nil
}

// Periods counts timer interrupts accepted for delivery to the boot
// processor. Each one ends up as exactly one tick there.
func (m *Machine) Periods() uint64 {
	return atomic.LoadUint64(&m.periods)
}

// Dropped counts timer interrupts the PIC merged into one already
// pending, or refused because the line was masked.
func (m *Machine) Dropped() uint64 {
	return atomic.LoadUint64(&m.dropped)
}

// TimerInterrupt raises the hardware timer line.
func (m *Machine) TimerInterrupt() error {
	ok, err := m.PIC.Raise(timerLine)
	if err != nil {
		return err
	}

	if ok {
		atomic.AddUint64(&m.periods, 1)
	} else {
		atomic.AddUint64(&m.dropped, 1)
	}

	return nil
}

// Pulse runs one full timer period synchronously: the hardware interrupt
// on the boot processor, then the forwarded IPI on every other one.
func (m *Machine) Pulse() error {
	err := m.TimerInterrupt()
	if err != nil {
		return err
	}

	for _, cpu := range m.CPUs {
		if cpu.Halted() {
			continue
		}

		_, err = cpu.Poll()
		if err != nil {
			return err
		}
	}

	return nil
}

// Run starts every processor and drives the timer at hz until ctx ends
// or a processor halts.
func (m *Machine) Run(ctx context.Context, hz int) error {
	if hz <= 0 {
		hz = 100
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for _, cpu := range m.CPUs {
		wg.Add(1)
		go func(cpu *CPU) {
			defer wg.Done()

			err := cpu.Run(ctx)
			if err != nil && errors.Cause(err) != context.Canceled {
				m.L.Error("cpu stopped", "cpu", cpu.ID, "error", err)
				fail(err)
			}
		}(cpu)
	}

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			err := m.TimerInterrupt()
			if err != nil {
				m.L.Warn("timer interrupt dropped", "error", err)
			}
		}
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	return ctx.Err()
}
