package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/kernel"
)

func sysGetDate(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	now := t.Kernel.Opts.Clock()

	r.SetCX(uint16(now.Year()))
	r.SetDH(uint8(now.Month()))
	r.SetDL(uint8(now.Day()))
	r.SetAL(uint8(now.Weekday()))
}

func sysGetTime(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	now := t.Kernel.Opts.Clock()

	r.SetCH(uint8(now.Hour()))
	r.SetCL(uint8(now.Minute()))
	r.SetDH(uint8(now.Second()))
	r.SetDL(uint8(now.Nanosecond() / 10000000))
}

func init() {
	Syscalls[abi.FnGetDate] = sysGetDate
	Syscalls[abi.FnGetTime] = sysGetTime
}
