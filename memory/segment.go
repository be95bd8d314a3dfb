package memory

import "fmt"

// SegmentedAddress is a real-mode segment:offset pointer.
type SegmentedAddress struct {
	Segment uint16
	Offset  uint16
}

// Seg is shorthand for SegmentedAddress{seg, off}.
func Seg(seg, off uint16) SegmentedAddress {
	return SegmentedAddress{Segment: seg, Offset: off}
}

// Linear converts the pair to a linear address: segment*16 + offset.
func (a SegmentedAddress) Linear() uint32 {
	return uint32(a.Segment)<<4 + uint32(a.Offset)
}

// FromLinear returns the canonical pair for linear, with an offset < 16.
func FromLinear(linear uint32) SegmentedAddress {
	return SegmentedAddress{
		Segment: uint16(linear >> 4),
		Offset:  uint16(linear & 0xf),
	}
}

func (a SegmentedAddress) IsZero() bool {
	return a.Segment == 0 && a.Offset == 0
}

func (a SegmentedAddress) String() string {
	return fmt.Sprintf("%04X:%04X", a.Segment, a.Offset)
}

func paragraphsToBytes(p uint32) uint32 {
	return p * ParagraphSize
}
