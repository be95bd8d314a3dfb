package memory

import (
	"github.com/pkg/errors"
)

const (
	// ParagraphSize is the granularity of segments and MCB spans.
	ParagraphSize = 16

	// RealModeLimit is one past the highest address reachable with a
	// segment:offset pair (FFFF:FFFF), including the HMA.
	RealModeLimit = 0x10fff0
)

var ErrInvalidMemoryAccess = errors.New("invalid memory access via projection")

// Arena is the linear address space a DOS task sees. Every read or write
// of guest memory goes through Project, which enforces the arena bounds.
// The backing store is allocated once and never moves, so projections
// handed to different processors stay valid for the arena's lifetime.
type Arena struct {
	Start, Size uint32

	linear []byte
}

func NewArena(size uint32) *Arena {
	if size > RealModeLimit {
		size = RealModeLimit
	}

	return &Arena{Size: size, linear: make([]byte, size)}
}

func (a *Arena) Contains(x uint32) bool {
	if x < a.Start {
		return false
	}

	if x >= a.Start+a.Size {
		return false
	}

	return true
}

// Project returns the sz bytes at addr. The slice aliases the arena.
func (a *Arena) Project(addr, sz uint32) ([]byte, error) {
	end := uint64(addr) + uint64(sz)

	if !a.Contains(addr) || end > uint64(a.Start)+uint64(a.Size) {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", addr, sz)
	}

	offset := addr - a.Start

	return a.linear[offset : offset+sz], nil
}

func (a *Arena) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidMemoryAccess
	}

	mem, err := a.Project(uint32(off), uint32(len(b)))
	if err != nil {
		return 0, err
	}

	return copy(b, mem), nil
}

func (a *Arena) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidMemoryAccess
	}

	mem, err := a.Project(uint32(off), uint32(len(b)))
	if err != nil {
		return 0, err
	}

	return copy(mem, b), nil
}
