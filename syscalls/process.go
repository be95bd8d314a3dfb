package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/kernel"
)

// Reported by AH=30h unless the PSP overrides it.
const (
	VersionMajor = 5
	VersionMinor = 0
)

// sysTerminateLegacy ends the program whose PSP is in CS. A program that
// was started by another one returns to its termination address.
func sysTerminateLegacy(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	psp := uint16(r.CS)

	addr, cont, err := t.Kernel.LegacyTerminate(t, psp)
	if err != nil {
		fail(l, t, r, err)
		return
	}

	if !cont {
		return
	}

	l.Debug("return to parent", "task", t.ID, "psp", psp, "to", addr)

	r.CS = uint32(addr.Segment)
	r.EIP = uint32(addr.Offset)
}

func sysTerminate(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	err := t.Kernel.Exit(t, r.AL())
	if err != nil {
		fail(l, t, r, err)
	}
}

func sysGetReturnCode(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.SetAX(t.ChildCode())

	if n := t.Kernel.Reap(t); n > 0 {
		l.Trace("reaped children", "task", t.ID, "count", n)
	}
}

func sysGetPSP(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.SetBX(t.PSP)
}

func sysGetVersion(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.SetAL(VersionMajor)
	r.SetAH(VersionMinor)
	r.SetBX(0)
	r.SetCX(0)

	psp, err := t.ReadPSP()
	if err != nil {
		l.Warn("unable to read psp", "task", t.ID, "error", err)
		return
	}

	if psp.DOSVersion != 0 {
		r.SetAX(psp.DOSVersion)
	}
}

// sysLeadByteTable is not supported; DOS reports that with AL=FFh.
func sysLeadByteTable(ctx context.Context, l hclog.Logger, t *kernel.Task, r *abi.Registers) {
	r.SetAL(0xff)
}

func init() {
	Syscalls[abi.FnTerminateLegacy] = sysTerminateLegacy
	Syscalls[abi.FnTerminate] = sysTerminate
	Syscalls[abi.FnGetReturnCode] = sysGetReturnCode
	Syscalls[abi.FnGetPSP] = sysGetPSP
	Syscalls[abi.FnGetVersion] = sysGetVersion
	Syscalls[abi.FnLeadByteTable] = sysLeadByteTable
}
