package syscalls

import (
	"archive/tar"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/fs/tarfs"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/memory"
)

var testClock = time.Date(2024, time.March, 15, 13, 45, 30, 250000000, time.UTC)

type idle struct{}

func (idle) Step(ctx context.Context, t *kernel.Task) error { return nil }

func newKernel(t *testing.T) (*kernel.Kernel, *bytes.Buffer) {
	var out bytes.Buffer

	k, err := kernel.NewKernel(context.Background(), kernel.Options{
		CPUs:    1,
		Console: &kernel.Console{Out: &out},
		Clock:   func() time.Time { return testClock },
	})
	require.NoError(t, err)

	k.Files.Dispatch = func(f func()) { f() }

	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	for name, body := range map[string]string{
		"hello.txt":     "hello world",
		"data/log.txt":  "",
		"data/info.txt": "info",
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}))
		_, err = tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	tfs, err := tarfs.NewTarFS(&buf)
	require.NoError(t, err)

	require.NoError(t, k.Drives.Register('A', tfs))

	return k, &out
}

func call(ah uint8) Call {
	return Call{Regs: abi.Call(ah)}
}

func callWith(ah, al uint8, bx, cx, dx uint16) Call {
	r := abi.Call(ah)
	r.SetAL(al)
	r.SetBX(bx)
	r.SetCX(cx)
	r.SetDX(dx)
	return Call{Regs: r}
}

func asciiz(s string) []byte {
	return append([]byte(s), 0)
}

// run drives the boot processor until task ends.
func run(t *testing.T, k *kernel.Kernel, task *kernel.Task) {
	ctx := context.Background()

	for i := 0; i < 1000 && task.State() != kernel.Terminated; i++ {
		require.NoError(t, k.Machine.Pulse())
		k.Machine.BSP().Step(ctx)
	}

	require.Equal(t, kernel.Terminated, task.State())
}

func spawn(t *testing.T, k *kernel.Kernel, p kernel.Program) *kernel.Task {
	task, err := k.Spawn(kernel.SpawnOptions{CPU: 0, Program: p})
	require.NoError(t, err)
	return task
}

func runScript(t *testing.T, k *kernel.Kernel, calls ...Call) (*kernel.Task, []abi.Registers) {
	s := NewScript(calls...)
	task := spawn(t, k, s)
	run(t, k, task)
	return task, s.Results()
}

func TestProcess(t *testing.T) {
	n := neko.Modern(t)

	n.It("reports dos 5.0", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, call(abi.FnGetVersion))
		require.Len(t, res, 1)

		require.Equal(t, uint8(5), res[0].AL())
		require.Equal(t, uint8(0), res[0].AH())
		require.False(t, res[0].Carry())
	})

	n.It("honours the version override in the psp", func(t *testing.T) {
		k, _ := newKernel(t)

		s := NewScript(call(abi.FnGetVersion))
		task := spawn(t, k, s)

		psp, err := task.ReadPSP()
		require.NoError(t, err)

		psp.DOSVersion = 0x1606
		require.NoError(t, psp.Write(task.Space.Arena))

		run(t, k, task)

		res := s.Results()
		require.Equal(t, uint8(6), res[0].AL())
		require.Equal(t, uint8(0x16), res[0].AH())
	})

	n.It("terminates with a return code", func(t *testing.T) {
		k, _ := newKernel(t)

		c := callWith(abi.FnTerminate, 3, 0, 0, 0)

		task, res := runScript(t, k, c, call(abi.FnGetVersion))

		require.Len(t, res, 1)
		require.Equal(t, uint16(3), task.ExitCode())
	})

	n.It("ends a top level program through its psp in cs", func(t *testing.T) {
		k, _ := newKernel(t)

		task, res := runScript(t, k, call(abi.FnTerminateLegacy), call(abi.FnGetVersion))

		require.Len(t, res, 1)
		require.Equal(t, uint16(0), task.ExitCode())

		owned, err := task.Space.Chain.Owned(task.Owner())
		require.NoError(t, err)
		require.Empty(t, owned)
	})

	n.It("refuses to end a psp the caller is not running under", func(t *testing.T) {
		k, _ := newKernel(t)

		foreign := call(abi.FnTerminateLegacy)
		foreign.Regs.CS = 0x1234

		task, res := runScript(t, k, foreign, callWith(abi.FnTerminate, 2, 0, 0, 0))

		require.Len(t, res, 2)
		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InvalidMemoryBlockAddress), res[0].AX())
		require.Equal(t, uint16(2), task.ExitCode())
	})

	n.It("returns a child program to its parent", func(t *testing.T) {
		k, _ := newKernel(t)

		parent := spawn(t, k, idle{})

		s := NewScript(call(abi.FnTerminateLegacy), call(abi.FnGetPSP), callWith(abi.FnTerminate, 1, 0, 0, 0))

		child, err := k.Spawn(kernel.SpawnOptions{CPU: 0, Program: s, Parent: parent, Paragraphs: 0x100})
		require.NoError(t, err)

		run(t, k, child)

		res := s.Results()
		require.Len(t, res, 3)

		require.False(t, res[0].Carry())
		require.Equal(t, parent.Regs.CS, res[0].CS)
		require.Equal(t, parent.Regs.EIP, res[0].EIP)

		require.Equal(t, parent.PSP, res[1].BX())

		owned, err := child.Space.Chain.Owned(child.Owner())
		require.NoError(t, err)
		require.Empty(t, owned)

		require.NotEqual(t, kernel.Terminated, parent.State())
		require.Equal(t, uint16(1), parent.ChildCode())
	})

	n.It("reports a child's return code and reaps it", func(t *testing.T) {
		k, _ := newKernel(t)

		s := NewScript(call(abi.FnGetReturnCode), call(abi.FnGetReturnCode))
		parent := spawn(t, k, s)

		child, err := k.Spawn(kernel.SpawnOptions{CPU: 0, Program: idle{}, Parent: parent, Paragraphs: 0x100})
		require.NoError(t, err)

		require.NoError(t, k.Exit(child, 7))

		run(t, k, parent)

		res := s.Results()
		require.Equal(t, uint16(7), res[0].AX())
		require.Equal(t, uint16(0), res[1].AX())

		_, ok := k.Tasks.Get(child.ID)
		require.False(t, ok)
	})

	n.It("returns the psp segment", func(t *testing.T) {
		k, _ := newKernel(t)

		s := NewScript(call(abi.FnGetPSP))
		task := spawn(t, k, s)
		psp := task.PSP

		run(t, k, task)

		require.Equal(t, psp, s.Results()[0].BX())
	})

	n.It("does not support lead byte tables", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, call(abi.FnLeadByteTable))
		require.Equal(t, uint8(0xff), res[0].AL())
	})

	n.It("rejects unknown functions", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, call(0x99))
		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InvalidFunction), res[0].AX())
	})

	n.Meow()
}

func TestMemory(t *testing.T) {
	n := neko.Modern(t)

	n.It("allocates, resizes and frees blocks", func(t *testing.T) {
		k, _ := newKernel(t)

		var seg uint16

		useSeg := func(t *kernel.Task, r *abi.Registers) {
			r.ES = uint32(seg)
		}

		s := NewScript(
			callWith(abi.FnAllocate, 0, 0x10, 0, 0),
			Call{Regs: callWith(abi.FnResize, 0, 0x20, 0, 0).Regs, Prepare: useSeg},
			Call{Regs: callWith(abi.FnFree, 0, 0, 0, 0).Regs, Prepare: useSeg},
			Call{Regs: callWith(abi.FnFree, 0, 0, 0, 0).Regs, Prepare: useSeg},
		)

		s.Calls[1].Prepare = func(t *kernel.Task, r *abi.Registers) {
			seg = s.results[0].AX()
			useSeg(t, r)
		}

		task := spawn(t, k, s)
		run(t, k, task)

		res := s.Results()
		require.Len(t, res, 4)

		require.False(t, res[0].Carry())
		require.NotZero(t, res[0].AX())

		require.False(t, res[1].Carry())
		require.False(t, res[2].Carry())

		require.True(t, res[3].Carry())
		require.Equal(t, uint16(abi.InvalidMemoryBlockAddress), res[3].AX())
	})

	n.It("reports the largest block when memory is short", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, callWith(abi.FnAllocate, 0, 0xffff, 0, 0))

		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InsufficientMemory), res[0].AX())
		require.NotZero(t, res[0].BX())
		require.True(t, res[0].BX() < 0xffff)
	})

	n.It("sets and gets interrupt vectors", func(t *testing.T) {
		k, _ := newKernel(t)

		set := callWith(abi.FnSetVector, 0x60, 0, 0, 0x0010)
		set.Regs.DS = 0x1234

		_, res := runScript(t, k, set, callWith(abi.FnGetVector, 0x60, 0, 0, 0))

		require.Equal(t, uint32(0x1234), res[1].ES)
		require.Equal(t, uint16(0x0010), res[1].BX())
	})

	n.Meow()
}

func TestClock(t *testing.T) {
	k, _ := newKernel(t)

	_, res := runScript(t, k, call(abi.FnGetDate), call(abi.FnGetTime))

	date := res[0]
	require.Equal(t, uint16(2024), date.CX())
	require.Equal(t, uint8(3), date.DH())
	require.Equal(t, uint8(15), date.DL())
	require.Equal(t, uint8(time.Friday), date.AL())

	tm := res[1]
	require.Equal(t, uint8(13), tm.CH())
	require.Equal(t, uint8(45), tm.CL())
	require.Equal(t, uint8(30), tm.DH())
	require.Equal(t, uint8(25), tm.DL())
}

func TestConsole(t *testing.T) {
	n := neko.Modern(t)

	n.It("prints a dollar terminated string", func(t *testing.T) {
		k, out := newKernel(t)

		_, res := runScript(t, k, Call{Regs: abi.Call(abi.FnPrintString), Data: []byte("hello$junk")})

		require.Equal(t, "hello", out.String())
		require.Equal(t, uint8('$'), res[0].AL())
	})

	n.It("outputs single characters", func(t *testing.T) {
		k, out := newKernel(t)

		_, res := runScript(t, k,
			callWith(abi.FnOutputChar, 0, 0, 0, 'h'),
			callWith(abi.FnOutputChar, 0, 0, 0, 'i'),
		)

		require.Equal(t, "hi", out.String())
		require.Equal(t, uint8('i'), res[1].AL())
	})

	n.It("writes to standard output by handle", func(t *testing.T) {
		k, out := newKernel(t)

		w := Call{Regs: callWith(abi.FnWrite, 0, 1, 3, 0).Regs, Data: []byte("abc")}

		_, res := runScript(t, k, w)

		require.False(t, res[0].Carry())
		require.Equal(t, uint16(3), res[0].AX())
		require.Equal(t, "abc", out.String())
	})

	n.It("reads a character with echo", func(t *testing.T) {
		k, out := newKernel(t)
		k.Console.In = strings.NewReader("q")

		_, res := runScript(t, k, call(abi.FnReadCharEcho), call(abi.FnReadCharEcho))

		require.False(t, res[0].Carry())
		require.Equal(t, uint8('q'), res[0].AL())

		require.False(t, res[1].Carry())
		require.Equal(t, uint8(0), res[1].AL())

		require.Equal(t, "q", out.String())
	})

	n.It("reports the console as a device", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, callWith(abi.FnIOCTL, 0, 1, 0, 0), callWith(abi.FnIOCTL, 0, 4, 0, 0))

		require.NotZero(t, res[0].DX()&infoDevice)
		require.Zero(t, res[0].DX()&infoNull)
		require.NotZero(t, res[1].DX()&infoNull)
	})

	n.Meow()
}

func TestFiles(t *testing.T) {
	n := neko.Modern(t)

	n.It("opens, reads and closes a file", func(t *testing.T) {
		k, out := newKernel(t)

		task, res := runScript(t, k,
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\HELLO.TXT`)},
			callWith(abi.FnRead, 0, 5, 5, ScratchOffset),
			callWith(abi.FnWrite, 0, 1, 5, ScratchOffset),
			callWith(abi.FnRead, 0, 5, 0x20, ScratchOffset),
			callWith(abi.FnIOCTL, 0, 5, 0, 0),
			callWith(abi.FnClose, 0, 5, 0, 0),
			callWith(abi.FnRead, 0, 5, 5, ScratchOffset),
		)

		require.Len(t, res, 7)

		require.False(t, res[0].Carry())
		require.Equal(t, uint16(5), res[0].AX())

		require.False(t, res[1].Carry())
		require.Equal(t, uint16(5), res[1].AX())
		require.Equal(t, "hello", out.String())

		require.Equal(t, uint16(6), res[3].AX())

		require.Equal(t, uint16(0), res[4].DX())

		require.False(t, res[5].Carry())
		require.Equal(t, 0, k.Files.OpenCount())

		require.True(t, res[6].Carry())
		require.Equal(t, uint16(abi.InvalidHandle), res[6].AX())

		require.Equal(t, kernel.Terminated, task.State())
	})

	n.It("seeks relative to each origin", func(t *testing.T) {
		k, out := newKernel(t)

		_, res := runScript(t, k,
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\HELLO.TXT`)},
			callWith(abi.FnSeek, 2, 5, 0xffff, 0xfffb),
			callWith(abi.FnRead, 0, 5, 5, ScratchOffset),
			callWith(abi.FnWrite, 0, 1, 5, ScratchOffset),
			callWith(abi.FnSeek, 1, 5, 0, 0),
			callWith(abi.FnSeek, 0, 5, 0, 2),
			callWith(abi.FnSeek, 1, 5, 0xffff, 0xfff0),
			callWith(abi.FnSeek, 3, 5, 0, 0),
			callWith(abi.FnSeek, 0, 1, 0, 9),
		)

		require.Len(t, res, 9)

		require.False(t, res[1].Carry())
		require.Equal(t, uint16(6), res[1].AX())
		require.Equal(t, uint16(0), res[1].DX())

		require.Equal(t, "world", out.String())

		require.Equal(t, uint16(11), res[4].AX())
		require.Equal(t, uint16(2), res[5].AX())

		require.True(t, res[6].Carry())
		require.Equal(t, uint16(abi.InvalidData), res[6].AX())

		require.True(t, res[7].Carry())
		require.Equal(t, uint16(abi.InvalidFunction), res[7].AX())

		require.False(t, res[8].Carry())
		require.Equal(t, uint16(0), res[8].AX())
	})

	n.It("reports missing files", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k,
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\NOPE.TXT`)},
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\NOPE\HELLO.TXT`)},
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`Q:\HELLO.TXT`)},
		)

		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.FileNotFound), res[0].AX())

		require.True(t, res[1].Carry())
		require.Equal(t, uint16(abi.PathNotFound), res[1].AX())

		require.True(t, res[2].Carry())
		require.Equal(t, uint16(abi.InvalidDrive), res[2].AX())
	})

	n.It("rejects bad access codes", func(t *testing.T) {
		k, _ := newKernel(t)

		open := Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\HELLO.TXT`)}
		open.Regs.SetAL(3)

		_, res := runScript(t, k, open)

		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InvalidAccessCode), res[0].AX())
	})

	n.It("opens reserved device names without a driver", func(t *testing.T) {
		k, out := newKernel(t)

		_, res := runScript(t, k,
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`CON`)},
			Call{Regs: callWith(abi.FnWrite, 0, 5, 2, 0).Regs, Data: []byte("ok")},
		)

		require.Equal(t, uint16(5), res[0].AX())
		require.Equal(t, "ok", out.String())
		require.Equal(t, 0, k.Files.OpenCount())
	})

	n.It("leaves files open when the program ends", func(t *testing.T) {
		k, _ := newKernel(t)

		task, res := runScript(t, k,
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\HELLO.TXT`)},
			callWith(abi.FnTerminate, 0, 0, 0, 0),
		)

		require.False(t, res[0].Carry())
		require.Equal(t, 1, k.Files.OpenCount())

		owned, err := task.Space.Chain.Owned(task.Owner())
		require.NoError(t, err)
		require.Empty(t, owned)
	})

	n.It("completes reads from another goroutine", func(t *testing.T) {
		k, out := newKernel(t)
		k.Files.Dispatch = func(f func()) { go f() }

		s := NewScript(
			Call{Regs: abi.Call(abi.FnOpen), Data: asciiz(`A:\DATA\INFO.TXT`)},
			callWith(abi.FnRead, 0, 5, 4, ScratchOffset),
			callWith(abi.FnWrite, 0, 1, 4, ScratchOffset),
			callWith(abi.FnClose, 0, 5, 0, 0),
		)

		task := spawn(t, k, s)

		ctx := context.Background()
		deadline := time.Now().Add(5 * time.Second)

		for task.State() != kernel.Terminated && time.Now().Before(deadline) {
			require.NoError(t, k.Machine.Pulse())
			k.Machine.BSP().Step(ctx)
			time.Sleep(time.Millisecond)
		}

		require.Equal(t, kernel.Terminated, task.State())
		require.Equal(t, "info", out.String())
		require.True(t, s.Done())

		for _, r := range s.Results() {
			require.False(t, r.Carry())
		}
	})

	n.Meow()
}

func TestDosError(t *testing.T) {
	cases := []struct {
		err  error
		code abi.DosErrorCode
	}{
		{abi.InvalidHandle, abi.InvalidHandle},
		{errors.Wrap(fs.ErrFileNotFound, "open"), abi.FileNotFound},
		{&memory.InsufficientMemoryError{Requested: 10, Largest: 2}, abi.InsufficientMemory},
		{errors.Wrap(memory.ErrMcbDestroyed, "walk"), abi.McbDestroyed},
		{memory.ErrNotOwner, abi.InvalidMemoryBlockAddress},
		{aio.ErrTableFull, abi.TooManyOpenFiles},
		{kernel.ErrUnknownFile, abi.InvalidHandle},
		{errors.New("other"), abi.AccessDenied},
	}

	for _, c := range cases {
		require.Equal(t, c.code, dosError(c.err), "%v", c.err)
	}
}

func TestInvokerRequiresTask(t *testing.T) {
	inv := &Invoker{}
	require.Equal(t, ErrNoTask, inv.Invoke(context.Background()))
}

func native(eax, ebx uint32) Call {
	return Call{Regs: abi.Registers{EAX: eax, EBX: ebx}, Native: true}
}

func scratch(t *kernel.Task, r *abi.Registers) {
	r.DS = uint32(t.PSP)
	r.SetDX(ScratchOffset)
}

func TestNative(t *testing.T) {
	n := neko.Modern(t)

	n.It("sleeps and yields", func(t *testing.T) {
		k, _ := newKernel(t)

		s := NewScript(native(abi.NativeSleep, 3), native(abi.NativeYield, 0), native(abi.NativeExit, 4))
		task := spawn(t, k, s)

		require.NoError(t, k.Machine.Pulse())
		k.Machine.BSP().Step(context.Background())

		require.Equal(t, kernel.Blocked, task.State())
		require.Empty(t, s.Results())

		run(t, k, task)

		res := s.Results()
		require.Len(t, res, 3)

		for _, r := range res[:2] {
			require.False(t, r.Carry())
			require.Equal(t, uint32(0), r.EAX)
		}

		require.Equal(t, uint16(kernel.ExitNormal<<8|4), task.ExitCode())
	})

	n.It("rejects unknown calls", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, native(0x1234, 0))

		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InvalidFunction), res[0].AX())
	})

	n.It("passes messages between tasks", func(t *testing.T) {
		k, _ := newKernel(t)

		var got abi.Message

		recv := NewScript(
			Call{Regs: abi.Registers{EAX: abi.NativeReceive}, Native: true, Prepare: scratch},
			Call{Regs: abi.Registers{EAX: abi.NativeExit}, Native: true, Prepare: func(t *kernel.Task, r *abi.Registers) {
				mem, err := t.Project(memory.Seg(t.PSP, ScratchOffset), abi.MessageSize)
				if err == nil {
					got.UnmarshalBinary(mem)
				}
			}},
		)
		receiver := spawn(t, k, recv)

		data, err := abi.Message{Type: 42, UniqueID: 7}.MarshalBinary()
		require.NoError(t, err)

		send := NewScript(
			Call{Regs: abi.Registers{EAX: abi.NativeSend, EBX: uint32(receiver.ID)}, Data: data, Native: true},
			native(abi.NativeExit, 0),
		)
		sender := spawn(t, k, send)

		ctx := context.Background()
		for i := 0; i < 1000 && (receiver.State() != kernel.Terminated || sender.State() != kernel.Terminated); i++ {
			require.NoError(t, k.Machine.Pulse())
			k.Machine.BSP().Step(ctx)
		}

		require.Equal(t, kernel.Terminated, receiver.State())
		require.Equal(t, kernel.Terminated, sender.State())

		sres := send.Results()
		require.False(t, sres[0].Carry())

		rres := recv.Results()
		require.False(t, rres[0].Carry())
		require.Equal(t, uint32(sender.ID), rres[0].EBX)

		require.Equal(t, uint32(42), got.Type)
		require.Equal(t, uint32(7), got.UniqueID)

		require.Equal(t, 0, k.Messages.Registry.Len())
	})

	n.It("fails a send to a missing task", func(t *testing.T) {
		k, _ := newKernel(t)

		_, res := runScript(t, k, Call{Regs: abi.Registers{EAX: abi.NativeSend, EBX: 999}, Data: make([]byte, abi.MessageSize), Native: true})

		require.True(t, res[0].Carry())
		require.Equal(t, uint16(abi.InvalidData), res[0].AX())
	})

	n.Meow()
}
