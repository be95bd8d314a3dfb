package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/memory"
)

// failMemory reports err and, when the request was too large, the
// largest size that would have succeeded in BX.
func failMemory(l hclog.Logger, t *kernel.Task, r *abi.Registers, err error) {
	if ie, ok := errors.Cause(err).(*memory.InsufficientMemoryError); ok {
		r.SetBX(ie.Largest)
	}

	fail(l, t, r, err)
}

func sysAllocate(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	block, err := t.Space.Chain.Allocate(t.Owner(), r.BX())
	if err != nil {
		failMemory(l, t, r, err)
		return
	}

	r.SetAX(block.DataSegment())
}

func sysFree(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	err := t.Space.Chain.Free(t.Owner(), uint16(r.ES))
	if err != nil {
		fail(l, t, r, err)
	}
}

func sysResize(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	_, err := t.Space.Chain.Resize(t.Owner(), uint16(r.ES), r.BX())
	if err != nil {
		failMemory(l, t, r, err)
	}
}

func sysSetVector(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	addr := memory.Seg(uint16(r.DS), r.DX())

	err := t.Space.SetVector(r.AL(), addr)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	l.Trace("set-vector", "task", t.ID, "vector", r.AL(), "handler", addr)
}

func sysGetVector(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	addr, err := t.Space.Vector(r.AL())
	if err != nil {
		fail(l, t, r, err)
		return
	}

	r.ES = uint32(addr.Segment)
	r.SetBX(addr.Offset)
}

func init() {
	Syscalls[abi.FnAllocate] = sysAllocate
	Syscalls[abi.FnFree] = sysFree
	Syscalls[abi.FnResize] = sysResize
	Syscalls[abi.FnSetVector] = sysSetVector
	Syscalls[abi.FnGetVector] = sysGetVector
}
