// Package syscalls implements the DOS INT 21h function table. Each entry
// reads its arguments from, and writes its results to, the calling task's
// registers.
package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/aio"
	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/kernel"
	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/memory"
)

// Func is one DOS function. It reports failure through r, never by
// returning; blocking functions arrange for the task to be resumed with
// the final registers.
type Func func(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers)

var Syscalls [256]Func

var ErrNoTask = errors.New("no task in context")

type Invoker struct {
	L hclog.Logger
}

// Invoke runs the function selected by AH against the task in ctx.
func (i *Invoker) Invoke(ctx context.Context) error {
	t, ok := kernel.GetTask(ctx)
	if !ok {
		return ErrNoTask
	}

	l := i.logger()

	r := &t.Regs
	fn := r.AH()

	f := Syscalls[fn]
	if f == nil {
		l.Warn("unsupported dos function", "task", t.ID, "ah", fn)
		r.Fail(abi.InvalidFunction)
		return nil
	}

	l.Trace("dos-call", "task", t.ID, "ah", fn, "al", r.AL())

	r.ClearCarry()
	f(ctx, l, t, r)

	return nil
}

func (i *Invoker) logger() hclog.Logger {
	if i.L == nil {
		return log.L
	}

	return i.L
}

// dosError picks the code a guest sees for err.
func dosError(err error) abi.DosErrorCode {
	cause := errors.Cause(err)

	if code, ok := cause.(abi.DosErrorCode); ok {
		return code
	}

	if code, ok := fs.DosCode(err); ok {
		return code
	}

	if _, ok := cause.(*memory.InsufficientMemoryError); ok {
		return abi.InsufficientMemory
	}

	switch cause {
	case memory.ErrMcbDestroyed:
		return abi.McbDestroyed
	case memory.ErrInvalidBlockAddress, memory.ErrNotOwner, memory.ErrInvalidOwner, kernel.ErrForeignPSP:
		return abi.InvalidMemoryBlockAddress
	case memory.ErrInvalidMemoryAccess:
		return abi.InvalidData
	case aio.ErrTableFull, kernel.ErrFileTable:
		return abi.TooManyOpenFiles
	case aio.ErrInvalidOp, kernel.ErrUnknownFile:
		return abi.InvalidHandle
	case aio.ErrUnsupportedOp:
		return abi.InvalidFunction
	case kernel.ErrUnknownTask, abi.ErrShortMessage:
		return abi.InvalidData
	}

	return abi.AccessDenied
}

func fail(l hclog.Logger, t *kernel.Task, r *abi.Registers, err error) {
	code := dosError(err)

	l.Debug("dos call failed", "task", t.ID, "ah", r.AH(), "code", code, "error", err)

	r.Fail(code)
}
