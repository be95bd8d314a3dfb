package memory

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PSPSize is the size of a Program Segment Prefix; programs load right
// after it, at PSP:0100.
const PSPSize = 0x100

// PSPParagraphs is PSPSize in paragraphs.
const PSPParagraphs = PSPSize / ParagraphSize

const (
	pspInt20           = 0x00
	pspMemoryTop       = 0x02
	pspTerminateVector = 0x0a
	pspCtrlBreakVector = 0x0e
	pspCriticalVector  = 0x12
	pspParent          = 0x16
	pspHandles         = 0x18
	pspEnvSegment      = 0x2c
	pspDOSVersion      = 0x40
	pspDispatcher      = 0x50
	pspTailLength      = 0x80
	pspTail            = 0x81

	maxTail = 127
)

// NoHandle marks an unused slot in the job file table.
const NoHandle = 0xff

var ErrTailTooLong = errors.New("command tail longer than 127 bytes")

// PSP is the decoded Program Segment Prefix of a loaded program.
type PSP struct {
	Segment uint16

	// MemoryTop is the first segment beyond the program's allocation.
	MemoryTop uint16

	// Restored into the interrupt vector table when the program ends.
	TerminateVector     SegmentedAddress
	CtrlBreakVector     SegmentedAddress
	CriticalErrorVector SegmentedAddress

	// ParentSegment equals Segment for a top level program.
	ParentSegment uint16

	// Handles is the job file table, mapping local handles to system
	// file numbers.
	Handles [20]uint8

	EnvSegment uint16

	// DOSVersion overrides the version reported by AH=30h when non-zero,
	// major in the low byte, minor in the high byte.
	DOSVersion uint16

	CommandTail []byte
}

// NewPSP returns a PSP for a top level program at segment seg with the
// standard handles 0-4 open.
func NewPSP(seg uint16) *PSP {
	p := &PSP{Segment: seg}
	p.Reset()
	return p
}

// Reset restores the fields the kernel owns to their load-time values.
func (p *PSP) Reset() {
	p.ParentSegment = p.Segment

	for i := range p.Handles {
		if i < 5 {
			p.Handles[i] = uint8(i)
		} else {
			p.Handles[i] = NoHandle
		}
	}
}

func (p *PSP) HasParent() bool {
	return p.ParentSegment != p.Segment
}

func (p *PSP) FindEmptyHandle() (int, bool) {
	for i, h := range p.Handles {
		if h == NoHandle {
			return i, true
		}
	}

	return 0, false
}

func putSegAddr(b []byte, a SegmentedAddress) {
	binary.LittleEndian.PutUint16(b, a.Offset)
	binary.LittleEndian.PutUint16(b[2:], a.Segment)
}

func getSegAddr(b []byte) SegmentedAddress {
	return SegmentedAddress{
		Offset:  binary.LittleEndian.Uint16(b),
		Segment: binary.LittleEndian.Uint16(b[2:]),
	}
}

// Write stores the PSP into the arena at its segment.
func (p *PSP) Write(a *Arena) error {
	if len(p.CommandTail) > maxTail {
		return ErrTailTooLong
	}

	mem, err := a.Project(uint32(p.Segment)<<4, PSPSize)
	if err != nil {
		return err
	}

	le := binary.LittleEndian

	mem[pspInt20], mem[pspInt20+1] = 0xcd, 0x20
	le.PutUint16(mem[pspMemoryTop:], p.MemoryTop)
	putSegAddr(mem[pspTerminateVector:], p.TerminateVector)
	putSegAddr(mem[pspCtrlBreakVector:], p.CtrlBreakVector)
	putSegAddr(mem[pspCriticalVector:], p.CriticalErrorVector)
	le.PutUint16(mem[pspParent:], p.ParentSegment)
	copy(mem[pspHandles:pspHandles+20], p.Handles[:])
	le.PutUint16(mem[pspEnvSegment:], p.EnvSegment)
	le.PutUint16(mem[pspDOSVersion:], p.DOSVersion)
	mem[pspDispatcher], mem[pspDispatcher+1], mem[pspDispatcher+2] = 0xcd, 0x21, 0xcb

	mem[pspTailLength] = uint8(len(p.CommandTail))
	n := copy(mem[pspTail:], p.CommandTail)
	if n < maxTail {
		mem[pspTail+n] = '\r'
	}

	return nil
}

// ReadPSP decodes the PSP at seg.
func ReadPSP(a *Arena, seg uint16) (*PSP, error) {
	mem, err := a.Project(uint32(seg)<<4, PSPSize)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian

	p := &PSP{
		Segment:             seg,
		MemoryTop:           le.Uint16(mem[pspMemoryTop:]),
		TerminateVector:     getSegAddr(mem[pspTerminateVector:]),
		CtrlBreakVector:     getSegAddr(mem[pspCtrlBreakVector:]),
		CriticalErrorVector: getSegAddr(mem[pspCriticalVector:]),
		ParentSegment:       le.Uint16(mem[pspParent:]),
		EnvSegment:          le.Uint16(mem[pspEnvSegment:]),
		DOSVersion:          le.Uint16(mem[pspDOSVersion:]),
	}

	copy(p.Handles[:], mem[pspHandles:pspHandles+20])

	n := int(mem[pspTailLength])
	if n > maxTail {
		n = maxTail
	}

	p.CommandTail = append([]byte(nil), mem[pspTail:pspTail+n]...)

	return p, nil
}
