package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/memory"
	"github.com/evanphx/segos/pkg/ilist"
)

var (
	ErrExited       = errors.New("program finished")
	ErrUnknownTask  = errors.New("unknown task")
	ErrTooManyTasks = errors.New("task ids exhausted")
	ErrSharedSpace  = errors.New("task shares its address space with a live task")
)

type taskkey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(taskkey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskkey{}, t)
}

type State int32

const (
	Init State = iota
	Ready
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Program is the work a task performs when it holds a processor. Step
// runs outside interrupt context and returns ErrExited when there is
// nothing left to do.
type Program interface {
	Step(ctx context.Context, t *Task) error
}

// Task is the unit of scheduling. Run state is owned by the scheduler of
// the processor the task is on and is only written under that
// scheduler's lock.
type Task struct {
	// Links the task into its scheduler's run queue.
	ilist.Entry

	ID      abi.TaskID
	Name    string
	Kernel  *Kernel
	Regs    abi.Registers
	Program Program

	// Space is shared by every task in the same virtual machine.
	Space *memory.Space
	PSP   uint16

	parent   *Task
	group    *TaskGroup
	node     *groupNode
	children *TaskGroup

	state int32
	cpu   int32

	// scheduler owned
	waitingOn  waitKey
	sleepTicks uint64
	ticks      uint64

	mu         sync.Mutex
	exitCode   uint16
	childCode  uint16
	resume     func(ctx context.Context) error
	interrupts Interrupts
}

func (t *Task) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Task) setState(s State) {
	atomic.StoreInt32(&t.state, int32(s))
}

// CPU is the processor whose scheduler currently owns the task.
func (t *Task) CPU() int {
	return int(atomic.LoadInt32(&t.cpu))
}

func (t *Task) setCPU(cpu int) {
	atomic.StoreInt32(&t.cpu, int32(cpu))
}

// Owner is the MCB owner value for memory the task allocates.
func (t *Task) Owner() memory.Owner {
	return memory.Owner(t.ID)
}

func (t *Task) Parent() *Task {
	return t.parent
}

// sharesSpace reports whether another live task runs in t's Space: a
// parent that has not ended, or a child that has not.
func (t *Task) sharesSpace() bool {
	if p := t.parent; p != nil && p.State() != Terminated {
		return true
	}

	return t.Children().Live() > 0
}

// ExitCode is the DOS return code word: termination type in the high
// byte, program code in the low byte.
func (t *Task) ExitCode() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exitCode
}

// Children is the group t's child tasks belong to.
func (t *Task) Children() *TaskGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.children == nil {
		t.children = NewTaskGroup()
	}

	return t.children
}

// ChildCode returns and clears the return code of the last child to end.
func (t *Task) ChildCode() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.childCode
	t.childCode = 0
	return c
}

// Ticks counts the timer ticks charged to the task.
func (t *Task) Ticks() uint64 {
	return atomic.LoadUint64(&t.ticks)
}

// OnResume sets the continuation run the next time the task is given a
// processor, in place of its program's next step.
func (t *Task) OnResume(f func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resume = f
}

// Resuming reports whether a continuation is waiting to run.
func (t *Task) Resuming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.resume != nil
}

func (t *Task) takeResume() func(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.resume
	t.resume = nil
	return f
}

// ReadPSP decodes the task's current PSP.
func (t *Task) ReadPSP() (*memory.PSP, error) {
	return memory.ReadPSP(t.Space.Arena, t.PSP)
}

// Project returns n bytes of the task's memory at addr, which must lie
// inside a block the task owns.
func (t *Task) Project(addr memory.SegmentedAddress, n uint32) ([]byte, error) {
	return t.Space.Chain.Project(t.Owner(), addr, n)
}

const maxTaskID = 0xfffe

// TaskManager assigns task ids, always reusing the lowest free one.
type TaskManager struct {
	mu        sync.RWMutex
	highWater int
	tasks     map[abi.TaskID]*Task
}

func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[abi.TaskID]*Task),
	}
}

func (m *TaskManager) AssignID(t *Task) (abi.TaskID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 1; i <= m.highWater; i++ {
		id := abi.TaskID(i)
		if _, ok := m.tasks[id]; !ok {
			t.ID = id
			m.tasks[id] = t
			return id, nil
		}
	}

	if m.highWater >= maxTaskID {
		return 0, ErrTooManyTasks
	}

	m.highWater++
	id := abi.TaskID(m.highWater)
	m.tasks[id] = t
	t.ID = id

	return id, nil
}

func (m *TaskManager) Get(id abi.TaskID) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	return t, ok
}

func (m *TaskManager) Remove(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, t.ID)
}

// List returns every live task.
func (m *TaskManager) List() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}

	return out
}
