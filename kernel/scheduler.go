package kernel

import (
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/irq"
	"github.com/evanphx/segos/pkg/ilist"
)

var (
	ErrNotOwned    = errors.New("task not owned by this scheduler")
	ErrTaskRunning = errors.New("task is running")
	ErrTerminated  = errors.New("task has terminated")
)

// waitKey is what a blocked task is waiting for. A zero op with a
// non-zero sleep is a timed wait.
type waitKey struct {
	registry *aio.Registry
	op       aio.OpID
}

type Stats struct {
	CPU         int
	Ticks       uint64
	Switches    uint64
	Preemptions uint64
	IdleTicks   uint64
	Ready       int
	Blocked     int
	Current     abi.TaskID
}

// Scheduler multiplexes one processor between the tasks it owns. Tasks
// run round robin; the running task keeps the processor for Quantum
// ticks unless it blocks, yields or ends first.
type Scheduler struct {
	CPU     int
	Quantum uint64
	L       hclog.Logger

	mu      sync.Mutex
	ready   ilist.List
	tasks   map[abi.TaskID]*Task
	current *Task
	slice   uint64

	ticks       uint64
	switches    uint64
	preemptions uint64
	idle        uint64
}

func NewScheduler(cpu int, quantum uint64, l hclog.Logger) *Scheduler {
	if quantum == 0 {
		quantum = 1
	}

	return &Scheduler{
		CPU:     cpu,
		Quantum: quantum,
		L:       l,
		tasks:   make(map[abi.TaskID]*Task),
	}
}

// Tick is the timer entry point. It must be called from an interrupt
// handler and acknowledges the interrupt exactly once before returning.
func (s *Scheduler) Tick(ic *irq.Context) {
	if !ic.Active() {
		irq.Fatal(ic, "scheduler tick outside interrupt context")
	}

	defer ic.EOI()

	s.mu.Lock()
	defer s.mu.Unlock()

	atomic.AddUint64(&s.ticks, 1)

	s.ageSleepers()

	cur := s.current

	if cur != nil && cur.State() == Running {
		atomic.AddUint64(&cur.ticks, 1)
		s.slice++

		if s.slice < s.Quantum {
			return
		}

		if s.ready.Empty() {
			s.slice = 0
			return
		}

		cur.setState(Ready)
		s.ready.PushBack(cur)
		s.preemptions++
	}

	s.switchTo(cur)
}

// switchTo picks the head of the run queue. Called with mu held.
func (s *Scheduler) switchTo(prev *Task) {
	front := s.ready.Front()
	if front == nil {
		if s.current != nil {
			s.L.Trace("sched-idle", "cpu", s.CPU, "prev", s.current.ID)
		}
		s.current = nil
		s.slice = 0
		s.idle++
		return
	}

	next := front.(*Task)
	s.ready.Remove(next)

	next.setState(Running)
	s.current = next
	s.slice = 0

	if prev != next {
		s.switches++
	}

	if prev != nil {
		s.L.Trace("sched-switch", "cpu", s.CPU, "from", prev.ID, "to", next.ID)
	} else {
		s.L.Trace("sched-switch", "cpu", s.CPU, "to", next.ID)
	}
}

func (s *Scheduler) ageSleepers() {
	for _, t := range s.tasks {
		if t.State() != Blocked || t.sleepTicks == 0 {
			continue
		}

		t.sleepTicks--
		if t.sleepTicks == 0 && t.waitingOn.op == 0 {
			s.makeReady(t)
		}
	}
}

func (s *Scheduler) makeReady(t *Task) {
	t.waitingOn = waitKey{}
	t.sleepTicks = 0
	t.setState(Ready)
	s.ready.PushBack(t)
}

// Enqueue takes ownership of t and makes it runnable.
func (s *Scheduler) Enqueue(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State() == Terminated {
		return errors.Wrapf(ErrTerminated, "%s", t.ID)
	}

	s.tasks[t.ID] = t
	t.setCPU(s.CPU)

	if t.State() == Ready {
		return nil
	}

	s.makeReady(t)

	return nil
}

// adopt takes ownership of t keeping its run state.
func (s *Scheduler) adopt(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t
	t.setCPU(s.CPU)

	if t.State() == Ready {
		s.ready.PushBack(t)
	}
}

func (s *Scheduler) owned(t *Task) error {
	if s.tasks[t.ID] != t {
		return errors.Wrapf(ErrNotOwned, "%s on cpu%d", t.ID, s.CPU)
	}

	return nil
}

// Block moves t to Blocked until op in reg completes. If the operation
// already has a result t keeps running and Block returns false.
func (s *Scheduler) Block(t *Task, reg *aio.Registry, op aio.OpID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.owned(t); err != nil {
		return false, err
	}

	if reg.Done(op) {
		return false, nil
	}

	s.block(t)
	t.waitingOn = waitKey{registry: reg, op: op}

	s.L.Trace("sched-block", "cpu", s.CPU, "task", t.ID, "registry", reg.Name, "op", op)

	return true, nil
}

// Sleep blocks t for ticks timer ticks.
func (s *Scheduler) Sleep(t *Task, ticks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.owned(t); err != nil {
		return err
	}

	if ticks == 0 {
		return nil
	}

	s.block(t)
	t.sleepTicks = ticks

	return nil
}

func (s *Scheduler) block(t *Task) {
	if t.State() == Ready {
		s.ready.Remove(t)
	}

	t.setState(Blocked)
}

// Wake makes t runnable if it is blocked on op in reg. It is safe to call
// from any goroutine.
func (s *Scheduler) Wake(t *Task, reg *aio.Registry, op aio.OpID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[t.ID] != t || t.State() != Blocked {
		return false
	}

	if t.waitingOn.registry != reg || t.waitingOn.op != op {
		return false
	}

	s.makeReady(t)

	s.L.Trace("sched-wake", "cpu", s.CPU, "task", t.ID, "op", op)

	return true
}

// Terminate marks t Terminated and drops it from the scheduler. If t is
// current the processor moves on at the next tick.
func (s *Scheduler) Terminate(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.owned(t); err != nil {
		return err
	}

	if t.State() == Ready {
		s.ready.Remove(t)
	}

	t.setState(Terminated)
	t.waitingOn = waitKey{}
	delete(s.tasks, t.ID)

	return nil
}

// Yield gives up the rest of t's quantum.
func (s *Scheduler) Yield(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != t || t.State() != Running {
		return
	}

	t.setState(Ready)
	s.ready.PushBack(t)
}

// Remove releases ownership of t so another scheduler can adopt it. The
// running task cannot be removed.
func (s *Scheduler) Remove(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.owned(t); err != nil {
		return err
	}

	if s.current == t && t.State() == Running {
		return errors.Wrapf(ErrTaskRunning, "%s on cpu%d", t.ID, s.CPU)
	}

	if t.State() == Ready {
		s.ready.Remove(t)
	}

	if s.current == t {
		s.current = nil
	}

	delete(s.tasks, t.ID)

	return nil
}

func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

func (s *Scheduler) Ticks() uint64 {
	return atomic.LoadUint64(&s.ticks)
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		CPU:         s.CPU,
		Ticks:       atomic.LoadUint64(&s.ticks),
		Switches:    s.switches,
		Preemptions: s.preemptions,
		IdleTicks:   s.idle,
		Ready:       s.ready.Len(),
	}

	for _, t := range s.tasks {
		if t.State() == Blocked {
			st.Blocked++
		}
	}

	if s.current != nil {
		st.Current = s.current.ID
	}

	return st
}
