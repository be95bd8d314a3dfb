// Package kernel owns tasks and processors: per processor scheduling,
// the timer cascade that drives it, and the lifecycle of DOS tasks from
// spawn to reap.
package kernel

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/loader"
	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/memory"
)

// ErrForeignPSP is returned when a program asks to end a PSP other than
// the one it is running under.
var ErrForeignPSP = errors.New("psp is not the caller's")

// Termination types reported in the high byte of a return code.
const (
	ExitNormal    = 0x00
	ExitCtrlBreak = 0x01
	ExitCritical  = 0x02
)

// faultCode is the program code recorded when a task is killed for an
// error in its own program.
const faultCode = 0xff

type Options struct {
	CPUs             int
	Quantum          uint64
	RegistryCapacity int
	ConventionalTop  uint16
	DefaultDrive     byte

	Console *Console
	Clock   func() time.Time
}

func (o *Options) defaults() {
	if o.CPUs <= 0 {
		o.CPUs = 1
	}

	if o.Quantum == 0 {
		o.Quantum = 5
	}

	if o.RegistryCapacity <= 0 {
		o.RegistryCapacity = 64
	}

	if o.ConventionalTop == 0 {
		o.ConventionalTop = memory.ConventionalTop
	}

	if o.DefaultDrive == 0 {
		o.DefaultDrive = 'C'
	}

	if o.Console == nil {
		o.Console = &Console{}
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Kernel struct {
	L    hclog.Logger
	Opts Options

	Tasks    *TaskManager
	Machine  *Machine
	Drives   *fs.DriveTable
	Files    *aio.FileProvider
	Messages *aio.MessageProvider
	SFT      *FileTable
	Console  *Console
	Loader   *loader.Loader

	root *TaskGroup

	// held for reading by wakeups, for writing by migration
	migrate sync.RWMutex
}

func NewKernel(ctx context.Context, opts Options) (*Kernel, error) {
	opts.defaults()

	k := &Kernel{
		L:       log.Named("kernel"),
		Opts:    opts,
		Tasks:   NewTaskManager(),
		Drives:  fs.NewDriveTable(opts.DefaultDrive),
		SFT:     &FileTable{},
		Console: opts.Console,
		Loader:  loader.NewLoader(loader.NewLoaderCache()),
		root:    NewTaskGroup(),
	}

	k.Machine = newMachine(k, opts.CPUs, opts.Quantum)

	k.Files = aio.NewFileProvider(ctx, k.Drives, opts.RegistryCapacity, nil)
	k.Files.Registry.SetWaker(k.wakerFor(k.Files.Registry))

	k.Messages = aio.NewMessageProvider(opts.RegistryCapacity, nil)
	k.Messages.Registry.SetWaker(k.wakerFor(k.Messages.Registry))

	// handles 0-4 of every job file table: stdin, stdout, stderr, aux, prn
	std := []*File{
		{Name: "CON", Device: k.Console},
		{Name: "CON", Device: k.Console},
		{Name: "CON", Device: k.Console},
		{Name: "AUX", Device: NullDevice{name: "AUX"}},
		{Name: "PRN", Device: NullDevice{name: "PRN"}},
	}

	for _, f := range std {
		_, err := k.SFT.Add(f)
		if err != nil {
			return nil, err
		}
	}

	return k, nil
}

func (k *Kernel) wakerFor(reg *aio.Registry) aio.Waker {
	return aio.WakerFunc(func(task abi.TaskID, id aio.OpID) {
		k.wake(task, reg, id)
	})
}

func (k *Kernel) wake(id abi.TaskID, reg *aio.Registry, op aio.OpID) {
	k.migrate.RLock()
	defer k.migrate.RUnlock()

	t, ok := k.Tasks.Get(id)
	if !ok {
		return
	}

	s, err := k.Scheduler(t)
	if err != nil {
		return
	}

	s.Wake(t, reg, op)
}

// Scheduler returns the scheduler that currently owns t.
func (k *Kernel) Scheduler(t *Task) (*Scheduler, error) {
	cpu, err := k.Machine.CPU(t.CPU())
	if err != nil {
		return nil, err
	}

	return cpu.Sched, nil
}

// Await blocks t until op in reg completes, then runs done with the
// result the next time t is scheduled.
func (k *Kernel) Await(t *Task, reg *aio.Registry, op aio.OpID, done func(ctx context.Context, res aio.Result) error) error {
	t.OnResume(func(ctx context.Context) error {
		res, err := reg.Take(op)
		if err != nil {
			return err
		}

		return done(ctx, res)
	})

	s, err := k.Scheduler(t)
	if err != nil {
		return err
	}

	_, err = s.Block(t, reg, op)
	return err
}

// Sleep blocks t for the given number of timer ticks.
func (k *Kernel) Sleep(t *Task, ticks uint64) error {
	s, err := k.Scheduler(t)
	if err != nil {
		return err
	}

	return s.Sleep(t, ticks)
}

// Yield gives up the rest of t's quantum. t stays runnable and goes to
// the back of its processor's ready queue.
func (k *Kernel) Yield(t *Task) error {
	s, err := k.Scheduler(t)
	if err != nil {
		return err
	}

	s.Yield(t)

	return nil
}

// Migrate moves t to processor cpu. Ownership transfers in one step;
// no wakeup can observe t between the two schedulers.
func (k *Kernel) Migrate(t *Task, cpu int) error {
	k.migrate.Lock()
	defer k.migrate.Unlock()

	to, err := k.Machine.CPU(cpu)
	if err != nil {
		return err
	}

	from, err := k.Scheduler(t)
	if err != nil {
		return err
	}

	if from == to.Sched {
		return nil
	}

	if t.sharesSpace() {
		return errors.Wrapf(ErrSharedSpace, "%s", t.ID)
	}

	err = from.Remove(t)
	if err != nil {
		return err
	}

	to.Sched.adopt(t)

	k.L.Debug("migrated task", "task", t.ID, "from", from.CPU, "to", cpu)

	return nil
}

// Exit ends t with a normal termination and the given program code.
func (k *Kernel) Exit(t *Task, code uint8) error {
	return k.terminate(t, ExitNormal<<8|uint16(code))
}

// terminate restores the vectors saved in t's PSP, frees all of t's
// memory and cancels its outstanding I/O. Open files are left alone.
func (k *Kernel) terminate(t *Task, word uint16) error {
	if t.State() == Terminated {
		return errors.Wrapf(ErrTerminated, "%s", t.ID)
	}

	psp, err := t.ReadPSP()
	if err != nil {
		k.L.Error("reading psp on exit", "task", t.ID, "error", err)
	} else {
		err = restoreVectors(t.Space, psp)
		if err != nil {
			k.L.Error("restoring vectors", "task", t.ID, "error", err)
		}
	}

	freed, err := t.Space.Chain.FreeOwner(t.Owner())
	if err != nil {
		k.L.Error("freeing task memory", "task", t.ID, "error", err)
	}

	cancelled := k.Files.Registry.CancelTask(t.ID)
	k.Messages.Drop(t.ID)

	t.mu.Lock()
	t.exitCode = word
	t.resume = nil
	t.mu.Unlock()

	s, err := k.Scheduler(t)
	if err != nil {
		return err
	}

	err = s.Terminate(t)
	if err != nil {
		return err
	}

	if t.parent != nil {
		t.parent.mu.Lock()
		t.parent.childCode = word
		t.parent.mu.Unlock()
	}

	k.L.Trace("task-exit", "task", t.ID, "code", word, "blocks", freed, "cancelled", cancelled)

	if t.group != nil {
		t.group.taskExited(t)
	}

	return nil
}

// LegacyTerminate ends the program whose PSP is at segment psp. When that
// program was started by another one in the same machine, the task keeps
// running at the returned termination address; otherwise the task ends.
func (k *Kernel) LegacyTerminate(t *Task, psp uint16) (memory.SegmentedAddress, bool, error) {
	if psp != t.PSP {
		return memory.SegmentedAddress{}, false, errors.Wrapf(ErrForeignPSP, "%s: psp %04x, running %04x", t.ID, psp, t.PSP)
	}

	p, err := memory.ReadPSP(t.Space.Arena, psp)
	if err != nil {
		return memory.SegmentedAddress{}, false, err
	}

	if !p.HasParent() {
		return memory.SegmentedAddress{}, false, k.terminate(t, ExitNormal<<8)
	}

	err = restoreVectors(t.Space, p)
	if err != nil {
		return memory.SegmentedAddress{}, false, err
	}

	_, err = t.Space.Chain.FreeOwner(t.Owner())
	if err != nil {
		return memory.SegmentedAddress{}, false, err
	}

	if t.parent != nil {
		t.parent.mu.Lock()
		t.parent.childCode = ExitNormal << 8
		t.parent.mu.Unlock()
	}

	t.PSP = p.ParentSegment

	return p.TerminateVector, true, nil
}

// Send delivers msg from one task to another.
func (k *Kernel) Send(from, to abi.TaskID, msg abi.Message) error {
	t, ok := k.Tasks.Get(to)
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "%s", to)
	}

	if t.State() == Terminated {
		return errors.Wrapf(ErrTerminated, "%s", to)
	}

	return k.Messages.Send(from, to, msg)
}

// Reap removes terminated children of t and forgets their ids.
func (k *Kernel) Reap(t *Task) int {
	n := 0

	g := t.Children()
	for {
		c, _ := g.ReapAny(context.Background(), false)
		if c == nil {
			return n
		}

		k.Tasks.Remove(c)
		n++
	}
}

// Wait blocks until every top level task has ended, calling f with each
// as it is reaped.
func (k *Kernel) Wait(ctx context.Context, f func(*Task)) error {
	return k.root.Wait(ctx, func(t *Task) {
		k.Tasks.Remove(t)
		if f != nil {
			f(t)
		}
	})
}

// Run drives the machine with a real timer at hz.
func (k *Kernel) Run(ctx context.Context, hz int) error {
	return k.Machine.Run(ctx, hz)
}

func (k *Kernel) execute(ctx context.Context, t *Task) {
	ctx = SetTask(ctx, t)

	if k.checkInterrupt(t) {
		return
	}

	var err error

	if f := t.takeResume(); f != nil {
		err = f(ctx)
	} else if t.Program != nil {
		err = t.Program.Step(ctx, t)
	} else {
		err = ErrExited
	}

	if err == nil {
		return
	}

	if errors.Cause(err) == ErrExited {
		if t.State() != Terminated {
			k.Exit(t, 0)
		}
		return
	}

	if t.State() == Terminated {
		return
	}

	k.L.Error("task fault", "task", t.ID, "error", err)
	k.terminate(t, ExitCritical<<8|faultCode)
}
