package syscalls

import (
	"context"
	"io"
	"math"
	"os"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/memory"
)

const (
	maxPath   = 128
	maxString = 0x1000
)

// Device information word bits reported by AH=44h/00h.
const (
	infoStdin   = 0x0001
	infoStdout  = 0x0002
	infoNull    = 0x0004
	infoSpecial = 0x0010
	infoNotEOF  = 0x0040
	infoDevice  = 0x0080
)

// lookupHandle maps a job file table handle to its system file.
func lookupHandle(t *kernel.Task, h uint16) (*memory.PSP, *kernel.File, uint8, error) {
	psp, err := t.ReadPSP()
	if err != nil {
		return nil, nil, 0, err
	}

	if int(h) >= len(psp.Handles) || psp.Handles[h] == memory.NoHandle {
		return nil, nil, 0, abi.InvalidHandle
	}

	sft := psp.Handles[h]

	f, ok := t.Kernel.SFT.Get(sft)
	if !ok {
		return nil, nil, 0, abi.InvalidHandle
	}

	return psp, f, sft, nil
}

// installHandle enters f in the system file table and gives the task a
// handle for it.
func installHandle(t *kernel.Task, f *kernel.File) (uint16, error) {
	psp, err := t.ReadPSP()
	if err != nil {
		return 0, err
	}

	h, ok := psp.FindEmptyHandle()
	if !ok {
		return 0, abi.TooManyOpenFiles
	}

	sft, err := t.Kernel.SFT.Add(f)
	if err != nil {
		return 0, err
	}

	psp.Handles[h] = sft

	err = psp.Write(t.Space.Arena)
	if err != nil {
		t.Kernel.SFT.Release(sft)
		return 0, err
	}

	return uint16(h), nil
}

// stdin is the device behind handle 0, or the console when it has been
// redirected to a file.
func stdin(t *kernel.Task) kernel.Device {
	_, f, _, err := lookupHandle(t, 0)
	if err == nil && f.Device != nil {
		return f.Device
	}

	return t.Kernel.Console
}

// stdout is the device behind handle 1, or the console when it has been
// redirected to a file.
func stdout(t *kernel.Task) kernel.Device {
	_, f, _, err := lookupHandle(t, 1)
	if err == nil && f.Device != nil {
		return f.Device
	}

	return t.Kernel.Console
}

// sysReadCharEcho reads one character from standard input and echoes it.
// At end of input AL is left as zero.
func sysReadCharEcho(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	var c [1]byte

	n, err := stdin(t).Read(c[:])
	if err != nil && err != io.EOF {
		fail(l, t, r, err)
		return
	}

	if n == 1 {
		_, err = stdout(t).Write(c[:])
		if err != nil {
			l.Warn("echoing input", "task", t.ID, "error", err)
		}
	}

	r.SetAL(c[0])
}

func sysOutputChar(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	c := r.DL()

	_, err := stdout(t).Write([]byte{c})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	r.SetAL(c)
}

func sysPrintString(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	addr := memory.Seg(uint16(r.DS), r.DX())

	str, err := t.Space.ReadString(addr.Linear(), '$', maxString)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	_, err = stdout(t).Write(str)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	r.SetAL('$')
}

func sysOpen(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	k := t.Kernel

	if r.AL()&0x07 > 2 {
		r.Fail(abi.InvalidAccessCode)
		return
	}

	raw, err := t.Space.ReadString(memory.Seg(uint16(r.DS), r.DX()).Linear(), 0, maxPath)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	path, err := fs.ParsePath(string(raw), k.Drives.Default)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if dev, ok := k.Device(path.Base()); ok {
		h, err := installHandle(t, &kernel.File{Name: dev.Name(), Device: dev})
		if err != nil {
			fail(l, t, r, err)
			return
		}

		r.SetAX(h)
		return
	}

	id, err := k.Files.AddOp(0, aio.Op{Requester: t.ID, Kind: aio.KindOpen, Path: path.String()})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = k.Await(t, k.Files.Registry, id, func(ctx context.Context, res aio.Result) error {
		if res.Failed() {
			r.Fail(res.Code())
			return nil
		}

		h, err := installHandle(t, &kernel.File{Name: path.String(), Index: res.Value()})
		if err != nil {
			k.Files.Release(res.Value())
			fail(l, t, r, err)
			return nil
		}

		l.Trace("file-opened", "task", t.ID, "path", path.String(), "handle", h)

		r.ClearCarry()
		r.SetAX(h)
		return nil
	})

	if err != nil {
		fail(l, t, r, err)
	}
}

func sysClose(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	k := t.Kernel
	h := r.BX()

	psp, _, sft, err := lookupHandle(t, h)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	psp.Handles[h] = memory.NoHandle

	err = psp.Write(t.Space.Arena)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	f, last, err := k.SFT.Release(sft)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if !last || f.Device != nil {
		return
	}

	id, err := k.Files.AddOp(f.Index, aio.Op{Requester: t.ID, Kind: aio.KindClose})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = k.Await(t, k.Files.Registry, id, func(ctx context.Context, res aio.Result) error {
		if res.Failed() {
			r.Fail(res.Code())
		}

		return nil
	})

	if err != nil {
		fail(l, t, r, err)
	}
}

func sysRead(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	k := t.Kernel

	_, f, _, err := lookupHandle(t, r.BX())
	if err != nil {
		fail(l, t, r, err)
		return
	}

	var (
		addr = memory.Seg(uint16(r.DS), r.DX())
		size = uint32(r.CX())
	)

	dst, err := t.Project(addr, size)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if f.Device != nil {
		n, err := f.Device.Read(dst)
		if err != nil && err != io.EOF {
			fail(l, t, r, err)
			return
		}

		r.SetAX(uint16(n))
		return
	}

	buf := make([]byte, size)

	id, err := k.Files.AddOp(f.Index, aio.Op{
		Requester: t.ID,
		Kind:      aio.KindRead,
		Args:      [3]uint32{f.Pos(), size},
		Buf:       buf,
	})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = k.Await(t, k.Files.Registry, id, func(ctx context.Context, res aio.Result) error {
		if res.Failed() {
			r.Fail(res.Code())
			return nil
		}

		n := res.Value()

		dst, err := t.Project(addr, n)
		if err != nil {
			fail(l, t, r, err)
			return nil
		}

		copy(dst, buf[:n])
		f.Advance(n)

		r.ClearCarry()
		r.SetAX(uint16(n))
		return nil
	})

	if err != nil {
		fail(l, t, r, err)
	}
}

func sysWrite(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	k := t.Kernel

	_, f, _, err := lookupHandle(t, r.BX())
	if err != nil {
		fail(l, t, r, err)
		return
	}

	size := uint32(r.CX())

	src, err := t.Project(memory.Seg(uint16(r.DS), r.DX()), size)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if f.Device != nil {
		n, err := f.Device.Write(src)
		if err != nil {
			fail(l, t, r, err)
			return
		}

		r.SetAX(uint16(n))
		return
	}

	buf := make([]byte, size)
	copy(buf, src)

	id, err := k.Files.AddOp(f.Index, aio.Op{
		Requester: t.ID,
		Kind:      aio.KindWrite,
		Args:      [3]uint32{f.Pos(), size},
		Buf:       buf,
	})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = k.Await(t, k.Files.Registry, id, func(ctx context.Context, res aio.Result) error {
		if res.Failed() {
			r.Fail(res.Code())
			return nil
		}

		f.Advance(res.Value())

		r.ClearCarry()
		r.SetAX(uint16(res.Value()))
		return nil
	})

	if err != nil {
		fail(l, t, r, err)
	}
}

// sysSeek moves a file's position by the signed offset in CX:DX from the
// origin in AL and returns the new position in DX:AX.
func sysSeek(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	_, f, _, err := lookupHandle(t, r.BX())
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if f.Device != nil {
		r.SetAX(0)
		r.SetDX(0)
		return
	}

	offset := int64(int32(uint32(r.CX())<<16 | uint32(r.DX())))

	var base int64

	switch r.AL() {
	case 0:
	case 1:
		base = int64(f.Pos())
	case 2:
		attr, err := t.Kernel.Files.Stat(f.Index)
		if err != nil {
			fail(l, t, r, err)
			return
		}

		base = attr.Size
	default:
		r.Fail(abi.InvalidFunction)
		return
	}

	pos := base + offset
	if pos < 0 || pos > math.MaxUint32 {
		r.Fail(abi.InvalidData)
		return
	}

	f.Seek(uint32(pos))

	r.SetAX(uint16(pos))
	r.SetDX(uint16(pos >> 16))
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
	return err == nil
}

func deviceInfo(t *kernel.Task, f *kernel.File) uint16 {
	switch dev := f.Device.(type) {
	case nil:
		p, err := fs.ParsePath(f.Name, t.Kernel.Drives.Default)
		if err != nil {
			return 0
		}

		return uint16(p.Drive - 'A')
	case *kernel.Console:
		info := uint16(infoDevice | infoNotEOF)

		if hf, ok := dev.HostFile(); ok && isTerminal(hf) {
			info |= infoStdin | infoStdout | infoSpecial
		}

		return info
	default:
		return infoDevice | infoNotEOF | infoNull
	}
}

func sysIOCTL(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	switch r.AL() {
	case 0x00:
		_, f, _, err := lookupHandle(t, r.BX())
		if err != nil {
			fail(l, t, r, err)
			return
		}

		info := deviceInfo(t, f)

		r.SetDX(info)
		r.SetAX(info)
	default:
		r.Fail(abi.InvalidFunction)
	}
}

func init() {
	Syscalls[abi.FnReadCharEcho] = sysReadCharEcho
	Syscalls[abi.FnOutputChar] = sysOutputChar
	Syscalls[abi.FnPrintString] = sysPrintString

	Syscalls[abi.FnOpen] = sysOpen
	Syscalls[abi.FnClose] = sysClose
	Syscalls[abi.FnRead] = sysRead
	Syscalls[abi.FnWrite] = sysWrite
	Syscalls[abi.FnSeek] = sysSeek

	Syscalls[abi.FnIOCTL] = sysIOCTL
}
