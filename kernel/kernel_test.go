package kernel

import (
	"archive/tar"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/fs/tarfs"
	"github.com/evanphx/segos/irq"
	"github.com/evanphx/segos/memory"
)

type stepFunc func(ctx context.Context, t *Task) error

func (f stepFunc) Step(ctx context.Context, t *Task) error {
	return f(ctx, t)
}

// forever never finishes on its own.
var forever = stepFunc(func(ctx context.Context, t *Task) error { return nil })

func newTestKernel(t *testing.T, cpus int) *Kernel {
	k, err := NewKernel(context.Background(), Options{CPUs: cpus, Quantum: 2})
	require.NoError(t, err)

	return k
}

func spawn(t *testing.T, k *Kernel, cpu int, p Program) *Task {
	task, err := k.Spawn(SpawnOptions{CPU: cpu, Program: p})
	require.NoError(t, err)

	return task
}

// cycle runs one timer period and then one program step on every
// processor.
func cycle(t *testing.T, k *Kernel, n int) {
	ctx := context.Background()

	for i := 0; i < n; i++ {
		require.NoError(t, k.Machine.Pulse())

		for _, cpu := range k.Machine.CPUs {
			cpu.Step(ctx)
		}
	}
}

func TestTimerCascade(t *testing.T) {
	n := neko.Modern(t)

	n.It("ticks every processor exactly once per period", func(t *testing.T) {
		const periods = 50

		k := newTestKernel(t, 4)

		for i := 0; i < 4; i++ {
			spawn(t, k, i, forever)
		}

		for i := 0; i < periods; i++ {
			require.NoError(t, k.Machine.Pulse())
		}

		for _, cpu := range k.Machine.CPUs {
			require.Equal(t, uint64(periods), cpu.Sched.Ticks(), "cpu%d", cpu.ID)
		}

		bsp := k.Machine.BSP()
		require.Equal(t, uint64(periods), bsp.Table.Count(irq.VectorPIT))
		require.Equal(t, uint64(periods), k.Machine.PIC.EOIs(0))
		require.Equal(t, uint64(periods*3), bsp.LAPIC.Sent())

		for _, ap := range k.Machine.CPUs[1:] {
			require.Equal(t, uint64(periods), ap.Table.Count(irq.VectorTimerIPI))
			require.Equal(t, uint64(periods), ap.LAPIC.EOIs())
		}
	})

	n.It("skips offline processors", func(t *testing.T) {
		k := newTestKernel(t, 3)

		k.Machine.CPUs[2].LAPIC.SetOnline(false)

		require.NoError(t, k.Machine.Pulse())

		require.Equal(t, uint64(1), k.Machine.CPUs[1].Sched.Ticks())
		require.Equal(t, uint64(0), k.Machine.CPUs[2].Sched.Ticks())
	})

	n.It("merges timer requests the boot processor has not serviced", func(t *testing.T) {
		k := newTestKernel(t, 2)

		for i := 0; i < 3; i++ {
			require.NoError(t, k.Machine.TimerInterrupt())
		}

		require.Equal(t, uint64(2), k.Machine.Periods())
		require.Equal(t, uint64(1), k.Machine.Dropped())

		n, err := k.Machine.BSP().Poll()
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = k.Machine.CPUs[1].Poll()
		require.NoError(t, err)
		require.Equal(t, 2, n)

		for _, cpu := range k.Machine.CPUs {
			require.Equal(t, k.Machine.Periods(), cpu.Sched.Ticks(), "cpu%d", cpu.ID)
		}
	})

	n.It("stops accepting periods once the boot processor halts", func(t *testing.T) {
		k := newTestKernel(t, 2)

		k.Machine.BSP().Table.Install(irq.VectorPIT, k.Machine.PIC.Line(0), func(ic *irq.Context) {})

		require.Error(t, k.Machine.Pulse())
		require.True(t, k.Machine.BSP().Halted())

		require.NoError(t, k.Machine.TimerInterrupt())
		require.Equal(t, uint64(1), k.Machine.Periods())
		require.Equal(t, uint64(1), k.Machine.Dropped())
	})

	n.It("accounts every accepted period while running", func(t *testing.T) {
		k := newTestKernel(t, 2)

		spawn(t, k, 0, forever)
		spawn(t, k, 1, forever)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		require.Equal(t, context.Canceled, errors.Cause(k.Run(ctx, 1000)))

		periods := k.Machine.Periods()
		ticks := k.Machine.BSP().Sched.Ticks()

		require.NotZero(t, periods)
		require.True(t, ticks <= periods, "ticks=%d periods=%d", ticks, periods)

		// one request can be queued at the processor and one latched
		require.True(t, periods-ticks <= 2, "ticks=%d periods=%d", ticks, periods)
	})

	n.Meow()
}

func TestScheduler(t *testing.T) {
	n := neko.Modern(t)

	n.It("round robins ready tasks", func(t *testing.T) {
		k := newTestKernel(t, 1)

		a := spawn(t, k, 0, forever)
		b := spawn(t, k, 0, forever)
		c := spawn(t, k, 0, forever)

		var order []abi.TaskID

		for i := 0; i < 13; i++ {
			require.NoError(t, k.Machine.Pulse())
			order = append(order, k.Machine.BSP().Sched.Current().ID)
		}

		// first tick selects a, then each task runs a two tick quantum
		require.Equal(t, []abi.TaskID{
			a.ID, a.ID, b.ID, b.ID, c.ID, c.ID, a.ID, a.ID, b.ID, b.ID, c.ID, c.ID, a.ID,
		}, order)

		st := k.Machine.BSP().Sched.Stats()
		require.Equal(t, uint64(13), st.Ticks)
		require.Equal(t, 2, st.Ready)
		require.Equal(t, a.ID, st.Current)
	})

	n.It("keeps a lone task past its quantum", func(t *testing.T) {
		k := newTestKernel(t, 1)
		a := spawn(t, k, 0, forever)

		cycle(t, k, 10)

		s := k.Machine.BSP().Sched
		require.Equal(t, a, s.Current())
		require.Equal(t, uint64(0), s.Stats().Preemptions)
		require.Equal(t, uint64(9), a.Ticks())
	})

	n.It("idles once the last task ends", func(t *testing.T) {
		k := newTestKernel(t, 1)

		steps := 0
		spawn(t, k, 0, stepFunc(func(ctx context.Context, t *Task) error {
			steps++
			if steps == 3 {
				return ErrExited
			}
			return nil
		}))

		cycle(t, k, 6)

		s := k.Machine.BSP().Sched
		require.Nil(t, s.Current())
		require.Equal(t, 3, steps)
		require.Equal(t, uint64(6), s.Ticks())
		require.True(t, s.Stats().IdleTicks > 0)
		require.Equal(t, uint64(6), k.Machine.PIC.EOIs(0))
	})

	n.It("halts when ticked outside interrupt context", func(t *testing.T) {
		s := NewScheduler(0, 1, newTestKernel(t, 1).L)

		defer func() {
			r := recover()
			require.NotNil(t, r)

			kf, ok := r.(*irq.KernelFault)
			require.True(t, ok)
			require.Contains(t, kf.Reason, "outside interrupt context")
		}()

		s.Tick(nil)
	})

	n.It("halts a processor whose handler skips the EOI", func(t *testing.T) {
		k := newTestKernel(t, 2)

		ap := k.Machine.CPUs[1]
		ap.Table.Install(irq.VectorTimerIPI, ap.LAPIC, func(ic *irq.Context) {})

		err := k.Machine.Pulse()

		var kf *irq.KernelFault
		require.True(t, errors.As(err, &kf))
		require.True(t, ap.Halted())
		require.False(t, ap.LAPIC.Online())

		require.NoError(t, k.Machine.Pulse())
		require.Equal(t, uint64(2), k.Machine.BSP().Sched.Ticks())
	})

	n.It("sleeps for a number of ticks", func(t *testing.T) {
		k := newTestKernel(t, 1)
		a := spawn(t, k, 0, forever)

		cycle(t, k, 1)
		require.Equal(t, Running, a.State())

		require.NoError(t, k.Sleep(a, 3))
		require.Equal(t, Blocked, a.State())

		cycle(t, k, 2)
		require.Equal(t, Blocked, a.State())

		cycle(t, k, 1)
		require.Equal(t, Running, a.State())
	})

	n.It("yields the rest of a quantum", func(t *testing.T) {
		k := newTestKernel(t, 1)
		a := spawn(t, k, 0, forever)
		b := spawn(t, k, 0, forever)

		cycle(t, k, 1)

		s := k.Machine.BSP().Sched
		require.Equal(t, a, s.Current())

		s.Yield(a)
		cycle(t, k, 1)

		require.Equal(t, b, s.Current())
		require.Equal(t, Ready, a.State())
	})

	n.Meow()
}

func TestAsyncCompletion(t *testing.T) {
	n := neko.Modern(t)

	n.It("wakes a task blocked on another processor", func(t *testing.T) {
		k := newTestKernel(t, 2)

		task := spawn(t, k, 1, forever)
		other := spawn(t, k, 1, forever)

		cycle(t, k, 1)
		require.Equal(t, task, k.Machine.CPUs[1].Sched.Current())

		reg := k.Files.Registry

		id, err := reg.AddOp(0, aio.Op{Requester: task.ID, Kind: aio.KindRead})
		require.NoError(t, err)

		var got aio.Result
		require.NoError(t, k.Await(task, reg, id, func(ctx context.Context, res aio.Result) error {
			got = res
			return nil
		}))

		require.Equal(t, Blocked, task.State())

		cycle(t, k, 1)
		require.Equal(t, other, k.Machine.CPUs[1].Sched.Current())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Complete(id, aio.Ok(512))
		}()
		wg.Wait()

		require.Equal(t, Ready, task.State())

		cycle(t, k, 2)

		require.Equal(t, task, k.Machine.CPUs[1].Sched.Current())
		require.Equal(t, uint32(512), got.Value())

		_, err = reg.Take(id)
		require.Equal(t, aio.ErrInvalidOp, errors.Cause(err))
	})

	n.It("does not block on an already completed op", func(t *testing.T) {
		k := newTestKernel(t, 1)
		task := spawn(t, k, 0, forever)
		cycle(t, k, 1)

		reg := k.Files.Registry

		id, err := reg.AddOp(0, aio.Op{Requester: task.ID, Kind: aio.KindRead})
		require.NoError(t, err)
		require.NoError(t, reg.Complete(id, aio.Ok(1)))

		called := false
		require.NoError(t, k.Await(task, reg, id, func(ctx context.Context, res aio.Result) error {
			called = true
			return nil
		}))

		require.Equal(t, Running, task.State())

		k.Machine.BSP().Step(context.Background())
		require.True(t, called)
	})

	n.Meow()
}

func bootImage(t *testing.T) *tarfs.TarFS {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	body := []byte("data")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "data.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	tfs, err := tarfs.NewTarFS(&buf)
	require.NoError(t, err)

	return tfs
}

func TestTerminate(t *testing.T) {
	n := neko.Modern(t)

	n.It("frees memory but leaves files open", func(t *testing.T) {
		k := newTestKernel(t, 1)
		require.NoError(t, k.Drives.Register('A', bootImage(t)))
		k.Files.Dispatch = func(f func()) { f() }

		task := spawn(t, k, 0, forever)
		cycle(t, k, 1)

		id, err := k.Files.AddOp(0, aio.Op{Requester: task.ID, Kind: aio.KindOpen, Path: `A:\DATA.TXT`})
		require.NoError(t, err)

		res, err := k.Files.Registry.Take(id)
		require.NoError(t, err)

		sft, err := k.SFT.Add(&File{Name: "DATA.TXT", Index: res.Value()})
		require.NoError(t, err)

		extra, err := task.Space.Chain.Allocate(task.Owner(), 16)
		require.NoError(t, err)
		require.NotZero(t, extra.Segment)

		pending, err := k.Files.Registry.AddOp(0, aio.Op{Requester: task.ID, Kind: aio.KindRead})
		require.NoError(t, err)

		require.NoError(t, k.Exit(task, 1))

		owned, err := task.Space.Chain.Owned(task.Owner())
		require.NoError(t, err)
		require.Empty(t, owned)

		blocks, err := task.Space.Chain.Blocks()
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		require.True(t, blocks[0].IsFree())

		f, ok := k.SFT.Get(sft)
		require.True(t, ok)
		require.Equal(t, 1, f.Refs())
		require.Equal(t, 1, k.Files.OpenCount())

		op, ok := k.Files.Registry.Lookup(pending)
		require.True(t, ok)
		require.Equal(t, aio.Cancelled, op.Status)

		require.Equal(t, Terminated, task.State())
		require.Equal(t, uint16(1), task.ExitCode())

		require.Equal(t, ErrTerminated, errors.Cause(k.Exit(task, 2)))
	})

	n.It("restores the vectors saved in the psp", func(t *testing.T) {
		k := newTestKernel(t, 1)
		task := spawn(t, k, 0, forever)

		require.NoError(t, task.Space.SetVector(abi.VectorCtrlBreak, memory.Seg(0x1234, 0x10)))

		require.NoError(t, k.Exit(task, 0))

		v, err := task.Space.Vector(abi.VectorCtrlBreak)
		require.NoError(t, err)
		require.True(t, IsDefaultVector(abi.VectorCtrlBreak, v))
	})

	n.It("returns to the parent through the termination vector", func(t *testing.T) {
		k := newTestKernel(t, 1)

		parent := spawn(t, k, 0, forever)
		parent.Regs.EIP = 0x0123

		child, err := k.Spawn(SpawnOptions{CPU: 0, Program: forever, Parent: parent, Paragraphs: 0x100})
		require.NoError(t, err)
		require.Equal(t, parent.Space, child.Space)

		_, _, err = k.LegacyTerminate(child, parent.PSP)
		require.Equal(t, ErrForeignPSP, errors.Cause(err))

		owned, err := child.Space.Chain.Owned(child.Owner())
		require.NoError(t, err)
		require.NotEmpty(t, owned)

		owned, err = parent.Space.Chain.Owned(parent.Owner())
		require.NoError(t, err)
		require.Len(t, owned, 1)

		addr, cont, err := k.LegacyTerminate(child, child.PSP)
		require.NoError(t, err)
		require.True(t, cont)
		require.Equal(t, memory.Seg(uint16(parent.Regs.CS), 0x0123), addr)
		require.NotEqual(t, Terminated, child.State())
		require.Equal(t, parent.PSP, child.PSP)

		owned, err = child.Space.Chain.Owned(child.Owner())
		require.NoError(t, err)
		require.Empty(t, owned)

		owned, err = parent.Space.Chain.Owned(parent.Owner())
		require.NoError(t, err)
		require.Len(t, owned, 1)

		_, cont, err = k.LegacyTerminate(parent, parent.PSP)
		require.NoError(t, err)
		require.False(t, cont)
		require.Equal(t, Terminated, parent.State())
	})

	n.It("delivers ctrl-break", func(t *testing.T) {
		k := newTestKernel(t, 1)

		a := spawn(t, k, 0, forever)
		cycle(t, k, 1)

		k.Break(a)
		cycle(t, k, 1)

		require.Equal(t, Terminated, a.State())
		require.Equal(t, uint16(ExitCtrlBreak<<8), a.ExitCode())

		b := spawn(t, k, 0, forever)
		require.NoError(t, b.Space.SetVector(abi.VectorCtrlBreak, memory.Seg(0x2000, 0x40)))
		cycle(t, k, 1)

		k.Break(b)
		cycle(t, k, 1)

		require.Equal(t, Running, b.State())
		require.Equal(t, uint32(0x2000), b.Regs.CS)
		require.Equal(t, uint32(0x40), b.Regs.EIP)
	})

	n.It("records a child's return code for its parent", func(t *testing.T) {
		k := newTestKernel(t, 1)

		parent := spawn(t, k, 0, forever)

		child, err := k.Spawn(SpawnOptions{CPU: 0, Program: forever, Parent: parent, Paragraphs: 0x100})
		require.NoError(t, err)

		require.NoError(t, k.Exit(child, 7))

		require.Equal(t, 1, k.Reap(parent))
		_, ok := k.Tasks.Get(child.ID)
		require.False(t, ok)

		require.Equal(t, uint16(7), parent.ChildCode())
		require.Equal(t, uint16(0), parent.ChildCode())
	})

	n.Meow()
}

func TestMigrate(t *testing.T) {
	k := newTestKernel(t, 2)

	a := spawn(t, k, 0, forever)
	b := spawn(t, k, 0, forever)

	cycle(t, k, 1)
	require.Equal(t, a, k.Machine.BSP().Sched.Current())

	err := k.Migrate(a, 1)
	require.Equal(t, ErrTaskRunning, errors.Cause(err))

	require.NoError(t, k.Migrate(b, 1))
	require.Equal(t, 1, b.CPU())
	require.Equal(t, 1, k.Machine.BSP().Sched.Len())

	cycle(t, k, 1)
	require.Equal(t, b, k.Machine.CPUs[1].Sched.Current())

	reg := k.Files.Registry
	id, err := reg.AddOp(0, aio.Op{Requester: b.ID, Kind: aio.KindRead})
	require.NoError(t, err)
	require.NoError(t, k.Await(b, reg, id, func(ctx context.Context, res aio.Result) error { return nil }))

	require.NoError(t, k.Migrate(b, 0))
	require.Equal(t, Blocked, b.State())

	require.NoError(t, reg.Complete(id, aio.Ok(0)))
	require.Equal(t, Ready, b.State())

	_, err = k.Machine.CPU(5)
	require.Equal(t, ErrNoCPU, errors.Cause(err))
}

func TestSharedSpace(t *testing.T) {
	k := newTestKernel(t, 2)

	parent := spawn(t, k, 1, forever)

	_, err := k.Spawn(SpawnOptions{CPU: 0, Program: forever, Parent: parent, Paragraphs: 0x100})
	require.Equal(t, ErrSharedSpace, errors.Cause(err))

	child, err := k.Spawn(SpawnOptions{CPU: -1, Program: forever, Parent: parent, Paragraphs: 0x100})
	require.NoError(t, err)
	require.Equal(t, 1, child.CPU())
	require.True(t, child.Space == parent.Space)

	err = k.Migrate(child, 0)
	require.Equal(t, ErrSharedSpace, errors.Cause(err))

	err = k.Migrate(parent, 0)
	require.Equal(t, ErrSharedSpace, errors.Cause(err))

	require.NoError(t, k.Exit(parent, 0))
	require.NoError(t, k.Migrate(child, 0))
	require.Equal(t, 0, child.CPU())
}

func TestWait(t *testing.T) {
	n := neko.Modern(t)

	n.It("detects a task has exited", func(t *testing.T) {
		k := newTestKernel(t, 1)

		a := spawn(t, k, 0, forever)
		require.NoError(t, k.Exit(a, 1))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var reaped []*Task
		require.NoError(t, k.Wait(ctx, func(t *Task) { reaped = append(reaped, t) }))

		require.Equal(t, []*Task{a}, reaped)
		require.Equal(t, uint16(1), reaped[0].ExitCode())

		_, ok := k.Tasks.Get(a.ID)
		require.False(t, ok)
	})

	n.It("waits for tasks driven by the machine", func(t *testing.T) {
		k := newTestKernel(t, 2)

		for i := 0; i < 4; i++ {
			steps := 0
			spawn(t, k, -1, stepFunc(func(ctx context.Context, t *Task) error {
				steps++
				if steps == 3 {
					return ErrExited
				}
				return nil
			}))
		}

		require.Equal(t, 2, k.Machine.CPUs[0].Sched.Len())
		require.Equal(t, 2, k.Machine.CPUs[1].Sched.Len())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		runCtx, stop := context.WithCancel(ctx)

		done := make(chan error, 1)
		go func() {
			done <- k.Run(runCtx, 1000)
		}()

		count := 0
		require.NoError(t, k.Wait(ctx, func(t *Task) { count++ }))
		require.Equal(t, 4, count)

		stop()
		require.Equal(t, context.Canceled, errors.Cause(<-done))
	})

	n.It("reuses the lowest free task id", func(t *testing.T) {
		k := newTestKernel(t, 1)

		a := spawn(t, k, 0, forever)
		spawn(t, k, 0, forever)

		require.NoError(t, k.Exit(a, 0))
		k.Tasks.Remove(a)

		c := spawn(t, k, 0, forever)
		require.Equal(t, a.ID, c.ID)
	})

	n.Meow()
}

func TestSend(t *testing.T) {
	k := newTestKernel(t, 2)

	a := spawn(t, k, 0, forever)
	b := spawn(t, k, 1, forever)

	cycle(t, k, 1)

	err := k.Send(a.ID, 99, abi.Message{Type: 1})
	require.Equal(t, ErrUnknownTask, errors.Cause(err))

	buf := make([]byte, abi.MessageSize)

	reg := k.Messages.Registry

	id, err := k.Messages.AddOp(0, aio.Op{Requester: b.ID, Kind: aio.KindMessage, Buf: buf})
	require.NoError(t, err)

	var from abi.TaskID
	require.NoError(t, k.Await(b, reg, id, func(ctx context.Context, res aio.Result) error {
		from = abi.TaskID(res.Value())
		return nil
	}))
	require.Equal(t, Blocked, b.State())

	require.NoError(t, k.Send(a.ID, b.ID, abi.Message{Type: 7}))
	require.Equal(t, Ready, b.State())

	cycle(t, k, 1)
	require.Equal(t, a.ID, from)

	var msg abi.Message
	require.NoError(t, msg.UnmarshalBinary(buf))
	require.Equal(t, uint32(7), uint32(msg.Type))

	require.NoError(t, k.Send(a.ID, b.ID, abi.Message{Type: 8}))
	require.Equal(t, 1, k.Messages.Queued(b.ID))

	require.NoError(t, k.Exit(b, 0))
	require.Equal(t, 0, k.Messages.Queued(b.ID))

	err = k.Send(a.ID, b.ID, abi.Message{Type: 9})
	require.Equal(t, ErrTerminated, errors.Cause(err))
	require.Equal(t, 0, k.Messages.Queued(b.ID))
}

func TestExitReleasesMessageReads(t *testing.T) {
	k, err := NewKernel(context.Background(), Options{CPUs: 1, RegistryCapacity: 8})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		task := spawn(t, k, 0, forever)

		_, err := k.Messages.AddOp(0, aio.Op{Requester: task.ID, Kind: aio.KindMessage, Buf: make([]byte, abi.MessageSize)})
		require.NoError(t, err)

		require.NoError(t, k.Exit(task, 0))
		k.Tasks.Remove(task)
	}

	require.Equal(t, 0, k.Messages.Registry.Len())

	last := spawn(t, k, 0, forever)
	_, err = k.Messages.AddOp(0, aio.Op{Requester: last.ID, Kind: aio.KindMessage, Buf: make([]byte, abi.MessageSize)})
	require.NoError(t, err)
}
