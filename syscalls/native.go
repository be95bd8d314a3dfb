package syscalls

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/memory"
)

// Natives is the kernel call table, keyed by EAX. A call returns zero in
// EAX; failures use the DOS convention of carry plus a code in AX.
var Natives = map[uint32]Func{}

// InvokeNative runs the kernel call selected by EAX against the task in
// ctx.
func (i *Invoker) InvokeNative(ctx context.Context) error {
	t, ok := kernel.GetTask(ctx)
	if !ok {
		return ErrNoTask
	}

	l := i.logger()

	r := &t.Regs
	fn := r.EAX

	f, ok := Natives[fn]
	if !ok {
		l.Warn("unsupported kernel call", "task", t.ID, "eax", fn)
		r.Fail(abi.InvalidFunction)
		return nil
	}

	l.Trace("native-call", "task", t.ID, "eax", fn, "ebx", r.EBX)

	r.ClearCarry()
	f(ctx, l, t, r)

	return nil
}

func nativeExit(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	err := t.Kernel.Exit(t, uint8(r.EBX))
	if err != nil {
		fail(l, t, r, err)
	}
}

// nativeSleep blocks the caller for EBX timer ticks.
func nativeSleep(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.EAX = 0

	err := t.Kernel.Sleep(t, uint64(r.EBX))
	if err != nil {
		fail(l, t, r, err)
	}
}

func nativeYield(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.EAX = 0

	err := t.Kernel.Yield(t)
	if err != nil {
		fail(l, t, r, err)
	}
}

// nativeSend sends the message at DS:DX to the task in EBX.
func nativeSend(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	src, err := t.Project(memory.Seg(uint16(r.DS), r.DX()), abi.MessageSize)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	var msg abi.Message

	err = msg.UnmarshalBinary(src)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = t.Kernel.Send(t.ID, abi.TaskID(r.EBX), msg)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	r.EAX = 0
}

// nativeReceive waits for a message and copies it to DS:DX. The sender's
// id comes back in EBX.
func nativeReceive(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	k := t.Kernel
	addr := memory.Seg(uint16(r.DS), r.DX())

	_, err := t.Project(addr, abi.MessageSize)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	buf := make([]byte, abi.MessageSize)

	id, err := k.Messages.AddOp(0, aio.Op{
		Requester: t.ID,
		Kind:      aio.KindMessage,
		Buf:       buf,
	})
	if err != nil {
		fail(l, t, r, err)
		return
	}

	err = k.Await(t, k.Messages.Registry, id, func(ctx context.Context, res aio.Result) error {
		if res.Failed() {
			r.Fail(res.Code())
			return nil
		}

		dst, err := t.Project(addr, abi.MessageSize)
		if err != nil {
			fail(l, t, r, err)
			return nil
		}

		copy(dst, buf)

		r.ClearCarry()
		r.EAX = 0
		r.EBX = res.Value()
		return nil
	})

	if err != nil {
		fail(l, t, r, err)
	}
}

func nativeDebug(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	l.Info("debug call", "task", t.ID, "regs", spew.Sdump(*r))
	r.EAX = 0
}

func init() {
	Natives[abi.NativeExit] = nativeExit
	Natives[abi.NativeSleep] = nativeSleep
	Natives[abi.NativeYield] = nativeYield
	Natives[abi.NativeSend] = nativeSend
	Natives[abi.NativeReceive] = nativeReceive
	Natives[abi.NativeDebug] = nativeDebug
}
