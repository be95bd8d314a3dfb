package abi

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// FlagCarry is the carry bit of EFLAGS. DOS calls set it to report failure.
const FlagCarry = 1 << 0

// Registers is the register-transfer calling convention used by DOS
// calls. All fields are 32 bits wide but only the low 16 bits are
// meaningful to real-mode programs.
type Registers struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP      uint32
	EIP                uint32
	ESP                uint32
	CS, DS, ES, SS     uint32
	Flags              uint32
}

func lo8(v uint32) uint8  { return uint8(v) }
func hi8(v uint32) uint8  { return uint8(v >> 8) }
func lo16(v uint32) uint16 { return uint16(v) }

func setLo8(r *uint32, v uint8) {
	*r = (*r &^ 0xff) | uint32(v)
}

func setHi8(r *uint32, v uint8) {
	*r = (*r &^ 0xff00) | uint32(v)<<8
}

func setLo16(r *uint32, v uint16) {
	*r = (*r &^ 0xffff) | uint32(v)
}

func (r *Registers) AH() uint8 { return hi8(r.EAX) }
func (r *Registers) AL() uint8 { return lo8(r.EAX) }
func (r *Registers) AX() uint16 { return lo16(r.EAX) }
func (r *Registers) BX() uint16 { return lo16(r.EBX) }
func (r *Registers) CX() uint16 { return lo16(r.ECX) }
func (r *Registers) DX() uint16 { return lo16(r.EDX) }
func (r *Registers) DH() uint8 { return hi8(r.EDX) }
func (r *Registers) DL() uint8 { return lo8(r.EDX) }
func (r *Registers) CL() uint8 { return lo8(r.ECX) }
func (r *Registers) CH() uint8 { return hi8(r.ECX) }

func (r *Registers) SetAH(v uint8)  { setHi8(&r.EAX, v) }
func (r *Registers) SetAL(v uint8)  { setLo8(&r.EAX, v) }
func (r *Registers) SetAX(v uint16) { setLo16(&r.EAX, v) }
func (r *Registers) SetBX(v uint16) { setLo16(&r.EBX, v) }
func (r *Registers) SetCX(v uint16) { setLo16(&r.ECX, v) }
func (r *Registers) SetDX(v uint16) { setLo16(&r.EDX, v) }
func (r *Registers) SetDH(v uint8)  { setHi8(&r.EDX, v) }
func (r *Registers) SetDL(v uint8)  { setLo8(&r.EDX, v) }
func (r *Registers) SetCH(v uint8)  { setHi8(&r.ECX, v) }
func (r *Registers) SetCL(v uint8)  { setLo8(&r.ECX, v) }

func (r *Registers) SetCarry() {
	r.Flags |= FlagCarry
}

func (r *Registers) ClearCarry() {
	r.Flags &^= FlagCarry
}

func (r *Registers) Carry() bool {
	return r.Flags&FlagCarry != 0
}

// Fail reports code to the caller the DOS way: carry set, AX = code.
func (r *Registers) Fail(code DosErrorCode) {
	r.SetAX(uint16(code))
	r.SetCarry()
}

// Call builds a register set for DOS function ah.
func Call(ah uint8) Registers {
	var r Registers
	r.SetAH(ah)
	return r
}

// Dump writes the register file, in the same layout as the emulator's trace.
func (r *Registers) Dump(w io.Writer) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "EAX = %08x EBX = %08x ECX = %08x EDX = %08x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	cyan.Fprintf(w, "ESI = %08x EDI = %08x EBP = %08x ESP = %08x\n", r.ESI, r.EDI, r.EBP, r.ESP)
	cyan.Fprintf(w, "CS = %04x DS = %04x ES = %04x SS = %04x IP = %04x\n",
		lo16(r.CS), lo16(r.DS), lo16(r.ES), lo16(r.SS), lo16(r.EIP))

	var cf string
	if r.Carry() {
		cf = "CF"
	}

	fmt.Fprintf(w, "FLAGS = %08x %s\n", r.Flags, cf)
}
