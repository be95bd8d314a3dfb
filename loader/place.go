package loader

import (
	"encoding/binary"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/memory"
)

// DefaultParagraphs is the allocation a .COM program receives: one full
// segment, or the largest free block if that is smaller.
const DefaultParagraphs = 0x1000

type PlaceOptions struct {
	Tail string

	// Parent is the PSP segment of the program that started this one,
	// zero for a top level program.
	Parent uint16

	// TerminateVector overrides the INT 22h address recorded in the PSP.
	TerminateVector memory.SegmentedAddress

	// Paragraphs overrides DefaultParagraphs.
	Paragraphs uint16
}

type Placement struct {
	PSP   *memory.PSP
	Block memory.MCB
	Regs  abi.Registers
}

// Place allocates memory for img on behalf of owner, builds its PSP and
// copies the image to PSP:0100.
func Place(space *memory.Space, owner memory.Owner, img *Image, opts PlaceOptions) (*Placement, error) {
	if len(opts.Tail) > 127 {
		return nil, memory.ErrTailTooLong
	}

	need := uint16(memory.PSPParagraphs + (len(img.Body)+2+memory.ParagraphSize-1)/memory.ParagraphSize)

	want := opts.Paragraphs
	if want == 0 {
		want = DefaultParagraphs
	}

	if want < need {
		want = need
	}

	largest, err := space.Chain.Largest()
	if err != nil {
		return nil, err
	}

	if largest < want && largest >= need {
		want = largest
	}

	block, err := space.Chain.Allocate(owner, want)
	if err != nil {
		return nil, err
	}

	seg := block.DataSegment()

	psp := memory.NewPSP(seg)
	psp.MemoryTop = seg + block.Size
	psp.CommandTail = []byte(opts.Tail)

	if opts.Parent != 0 {
		psp.ParentSegment = opts.Parent
	}

	psp.TerminateVector, err = space.Vector(abi.VectorTerminate)
	if err != nil {
		return nil, err
	}

	if !opts.TerminateVector.IsZero() {
		psp.TerminateVector = opts.TerminateVector
	}

	psp.CtrlBreakVector, err = space.Vector(abi.VectorCtrlBreak)
	if err != nil {
		return nil, err
	}

	psp.CriticalErrorVector, err = space.Vector(abi.VectorCriticalError)
	if err != nil {
		return nil, err
	}

	err = psp.Write(space.Arena)
	if err != nil {
		return nil, err
	}

	code, err := space.Chain.Project(owner, memory.Seg(seg, memory.PSPSize), uint32(len(img.Body)))
	if err != nil {
		return nil, err
	}

	copy(code, img.Body)

	sp := uint32(0xfffe)
	if top := uint32(block.Size) * memory.ParagraphSize; top < 0x10000 {
		sp = top - 2
	}

	stack, err := space.Chain.Project(owner, memory.Seg(seg, uint16(sp)), 2)
	if err != nil {
		return nil, err
	}

	// a near RET from the program lands on the INT 20h at PSP:0000
	binary.LittleEndian.PutUint16(stack, 0)

	regs := abi.Registers{
		CS:  uint32(seg),
		DS:  uint32(seg),
		ES:  uint32(seg),
		SS:  uint32(seg),
		EIP: memory.PSPSize,
		ESP: sp,
	}

	return &Placement{PSP: psp, Block: block, Regs: regs}, nil
}
