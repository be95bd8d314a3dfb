package memory

import (
	"github.com/pkg/errors"
)

const (
	// FirstMCBSegment sits just above the interrupt vector table and the
	// BIOS data area.
	FirstMCBSegment = 0x0060

	// ConventionalTop is the segment where video memory begins (640 KiB).
	ConventionalTop = 0xa000
)

var ErrChainTooSmall = errors.New("conventional memory too small for an MCB chain")

// Space is one real-mode address space: the arena, the interrupt vector
// table at linear 0, and the MCB chain over conventional memory. Tasks
// that run inside the same virtual machine share a Space.
type Space struct {
	Arena *Arena
	Chain *Chain
}

// NewSpace builds an address space whose MCB chain covers
// FirstMCBSegment up to top.
func NewSpace(top uint16) (*Space, error) {
	if top <= FirstMCBSegment+1 {
		return nil, errors.Wrapf(ErrChainTooSmall, "top=%04x", top)
	}

	arena := NewArena(RealModeLimit)

	chain, err := NewChain(arena, FirstMCBSegment, top-FirstMCBSegment)
	if err != nil {
		return nil, err
	}

	return &Space{
		Arena: arena,
		Chain: chain,
	}, nil
}

// Vector reads interrupt vector n from the table at linear 0.
func (s *Space) Vector(n uint8) (SegmentedAddress, error) {
	mem, err := s.Arena.Project(uint32(n)*4, 4)
	if err != nil {
		return SegmentedAddress{}, err
	}

	return getSegAddr(mem), nil
}

func (s *Space) SetVector(n uint8, addr SegmentedAddress) error {
	mem, err := s.Arena.Project(uint32(n)*4, 4)
	if err != nil {
		return err
	}

	putSegAddr(mem, addr)

	return nil
}

// ReadString reads a terminator-ended string starting at linear, up to
// max bytes. The terminator is not included.
func (s *Space) ReadString(linear uint32, term byte, max int) ([]byte, error) {
	var out []byte

	for i := 0; i < max; i++ {
		b, err := s.Arena.Project(linear+uint32(i), 1)
		if err != nil {
			return nil, err
		}

		if b[0] == term {
			return out, nil
		}

		out = append(out, b[0])
	}

	return out, nil
}
