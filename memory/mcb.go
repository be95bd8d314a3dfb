package memory

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

// Owner identifies who a memory block belongs to. DOS stores the owning
// PSP segment here; the kernel stores the owning task's id.
type Owner uint16

// Free marks an unallocated block.
const Free Owner = 0

const (
	sigMore = 'M'
	sigLast = 'Z'

	headerSize = ParagraphSize
)

var (
	ErrMcbDestroyed        = errors.New("memory control block destroyed")
	ErrInvalidBlockAddress = errors.New("invalid memory block address")
	ErrNotOwner            = errors.New("memory block not owned by caller")
	ErrInvalidOwner        = errors.New("free is not a valid owner")
)

// InsufficientMemoryError is returned when no free span can satisfy a
// request. Largest is the biggest span that could have been granted.
type InsufficientMemoryError struct {
	Requested uint16
	Largest   uint16
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory: requested %d paragraphs, largest available %d",
		e.Requested, e.Largest)
}

// MCB is a decoded memory control block. The header occupies the paragraph
// at Segment and the span it describes starts at the following paragraph.
type MCB struct {
	Segment uint16
	Owner   Owner
	Size    uint16
	Last    bool
}

// DataSegment is the first paragraph of the span, the value DOS hands to
// programs.
func (m MCB) DataSegment() uint16 {
	return m.Segment + 1
}

// next is the segment of the following header.
func (m MCB) next() uint32 {
	return uint32(m.Segment) + 1 + uint32(m.Size)
}

func (m MCB) IsFree() bool {
	return m.Owner == Free
}

// contains reports whether linear falls in the span (not the header).
func (m MCB) contains(linear uint32) bool {
	start := uint32(m.DataSegment()) << 4
	end := start + paragraphsToBytes(uint32(m.Size))
	return linear >= start && linear < end
}

// Chain is the MCB allocation chain laid out inside an Arena. The headers
// live in arena memory, exactly where a real-mode program expects them.
type Chain struct {
	mu sync.Mutex

	arena *Arena
	first uint16
	limit uint32
}

// NewChain formats paragraphs of arena memory starting at segment first
// as a single free block.
func NewChain(arena *Arena, first uint16, paragraphs uint16) (*Chain, error) {
	if paragraphs < 2 {
		return nil, errors.Wrapf(ErrInvalidBlockAddress, "chain of %d paragraphs", paragraphs)
	}

	limit := uint32(first) + uint32(paragraphs)

	if limit > 0x10000 || !arena.Contains((limit << 4) - 1) {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "chain %04x+%04x exceeds arena", first, paragraphs)
	}

	c := &Chain{
		arena: arena,
		first: first,
		limit: limit,
	}

	err := c.write(MCB{
		Segment: first,
		Owner:   Free,
		Size:    paragraphs - 1,
		Last:    true,
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Chain) First() uint16 {
	return c.first
}

func (c *Chain) read(seg uint16) (MCB, error) {
	mem, err := c.arena.Project(uint32(seg)<<4, headerSize)
	if err != nil {
		return MCB{}, err
	}

	var m MCB
	m.Segment = seg

	switch mem[0] {
	case sigMore:
	case sigLast:
		m.Last = true
	default:
		return MCB{}, errors.Wrapf(ErrMcbDestroyed, "bad signature %#02x at %04x", mem[0], seg)
	}

	m.Owner = Owner(binary.LittleEndian.Uint16(mem[1:]))
	m.Size = binary.LittleEndian.Uint16(mem[3:])

	if m.next() > c.limit {
		return MCB{}, errors.Wrapf(ErrMcbDestroyed, "block at %04x overruns chain", seg)
	}

	return m, nil
}

func (c *Chain) write(m MCB) error {
	mem, err := c.arena.Project(uint32(m.Segment)<<4, headerSize)
	if err != nil {
		return err
	}

	if m.Last {
		mem[0] = sigLast
	} else {
		mem[0] = sigMore
	}

	binary.LittleEndian.PutUint16(mem[1:], uint16(m.Owner))
	binary.LittleEndian.PutUint16(mem[3:], m.Size)

	return nil
}

// walk calls f for each block in chain order, passing the previous block
// (zero value with ok false for the first). Iteration stops when f
// returns false.
func (c *Chain) walk(f func(prev MCB, hasPrev bool, cur MCB) bool) error {
	var (
		prev    MCB
		hasPrev bool
	)

	seg := uint32(c.first)

	for {
		cur, err := c.read(uint16(seg))
		if err != nil {
			return err
		}

		if !f(prev, hasPrev, cur) {
			return nil
		}

		if cur.Last {
			if cur.next() != c.limit {
				return errors.Wrapf(ErrMcbDestroyed, "chain ends at %04x, expected %04x", cur.next(), c.limit)
			}
			return nil
		}

		prev, hasPrev = cur, true
		seg = cur.next()

		if seg >= c.limit {
			return errors.Wrapf(ErrMcbDestroyed, "unterminated chain at %04x", seg)
		}
	}
}

// Blocks returns every block in chain order.
func (c *Chain) Blocks() ([]MCB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.blocks()
}

func (c *Chain) blocks() ([]MCB, error) {
	var out []MCB

	err := c.walk(func(_ MCB, _ bool, cur MCB) bool {
		out = append(out, cur)
		return true
	})

	return out, err
}

// find locates the block whose span starts at dataSeg, along with the
// block before it.
func (c *Chain) find(dataSeg uint16) (prev MCB, hasPrev bool, block MCB, err error) {
	found := false

	err = c.walk(func(p MCB, hp bool, cur MCB) bool {
		if cur.DataSegment() == dataSeg {
			prev, hasPrev, block, found = p, hp, cur, true
			return false
		}
		return true
	})

	if err != nil {
		return
	}

	if !found {
		err = errors.Wrapf(ErrInvalidBlockAddress, "no block at segment %04x", dataSeg)
	}

	return
}

// Allocate grants paragraphs to owner from the first free block large
// enough, splitting off the remainder as a new free block.
func (c *Chain) Allocate(owner Owner, paragraphs uint16) (MCB, error) {
	if owner == Free {
		return MCB{}, ErrInvalidOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		target  MCB
		found   bool
		largest uint16
	)

	err := c.walk(func(_ MCB, _ bool, cur MCB) bool {
		if !cur.IsFree() {
			return true
		}

		if cur.Size >= paragraphs {
			target, found = cur, true
			return false
		}

		if cur.Size > largest {
			largest = cur.Size
		}

		return true
	})
	if err != nil {
		return MCB{}, err
	}

	if !found {
		return MCB{}, &InsufficientMemoryError{Requested: paragraphs, Largest: largest}
	}

	return c.split(target, owner, paragraphs)
}

// split assigns the first paragraphs of free block m to owner. Any
// remainder beyond the new header becomes a free block.
func (c *Chain) split(m MCB, owner Owner, paragraphs uint16) (MCB, error) {
	if m.Size > paragraphs {
		rest := MCB{
			Segment: m.Segment + 1 + paragraphs,
			Owner:   Free,
			Size:    m.Size - paragraphs - 1,
			Last:    m.Last,
		}

		err := c.write(rest)
		if err != nil {
			return MCB{}, err
		}

		m.Size = paragraphs
		m.Last = false
	}

	m.Owner = owner

	err := c.write(m)
	if err != nil {
		return MCB{}, err
	}

	return m, nil
}

// merge folds next into m. Both must be adjacent in the chain.
func merge(m, next MCB) MCB {
	m.Size += next.Size + 1
	m.Last = next.Last
	return m
}

// Free releases the block whose span starts at dataSeg. Only the owner may
// free a block. The freed block is coalesced with free neighbours, so no
// two free blocks are ever adjacent.
func (c *Chain) Free(owner Owner, dataSeg uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, hasPrev, block, err := c.find(dataSeg)
	if err != nil {
		return err
	}

	if block.IsFree() {
		return errors.Wrapf(ErrInvalidBlockAddress, "block at %04x already free", dataSeg)
	}

	if block.Owner != owner {
		return errors.Wrapf(ErrNotOwner, "block at %04x owned by %d, not %d", dataSeg, block.Owner, owner)
	}

	block.Owner = Free

	return c.coalesce(prev, hasPrev, block)
}

// coalesce writes free block m back, merged with a free successor and a
// free predecessor.
func (c *Chain) coalesce(prev MCB, hasPrev bool, m MCB) error {
	if !m.Last {
		next, err := c.read(uint16(m.next()))
		if err != nil {
			return err
		}

		if next.IsFree() {
			m = merge(m, next)
		}
	}

	if hasPrev && prev.IsFree() {
		m = merge(prev, m)
	}

	return c.write(m)
}

// Resize grows or shrinks the block at dataSeg in place. Growing only
// succeeds when the following block is free and large enough.
func (c *Chain) Resize(owner Owner, dataSeg uint16, paragraphs uint16) (MCB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _, block, err := c.find(dataSeg)
	if err != nil {
		return MCB{}, err
	}

	if block.IsFree() {
		return MCB{}, errors.Wrapf(ErrInvalidBlockAddress, "block at %04x is free", dataSeg)
	}

	if block.Owner != owner {
		return MCB{}, errors.Wrapf(ErrNotOwner, "block at %04x owned by %d, not %d", dataSeg, block.Owner, owner)
	}

	switch {
	case paragraphs == block.Size:
		return block, nil
	case paragraphs < block.Size:
		rest := MCB{
			Segment: block.Segment + 1 + paragraphs,
			Owner:   Free,
			Size:    block.Size - paragraphs - 1,
			Last:    block.Last,
		}

		block.Size = paragraphs
		block.Last = false

		err = c.write(block)
		if err != nil {
			return MCB{}, err
		}

		return block, c.coalesce(block, true, rest)
	}

	available := block.Size

	var next MCB
	if !block.Last {
		next, err = c.read(uint16(block.next()))
		if err != nil {
			return MCB{}, err
		}

		if next.IsFree() {
			available += next.Size + 1
		}
	}

	if available < paragraphs {
		return MCB{}, &InsufficientMemoryError{Requested: paragraphs, Largest: available}
	}

	// available only exceeds block.Size when next is free
	grown := merge(block, next)
	grown.Owner = Free

	return c.split(grown, owner, paragraphs)
}

// FreeOwner releases every block held by owner and returns how many were
// released. It touches nothing but the chain.
func (c *Chain) FreeOwner(owner Owner) (int, error) {
	if owner == Free {
		return 0, ErrInvalidOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, err := c.blocks()
	if err != nil {
		return 0, err
	}

	var (
		freed  int
		merged []MCB
	)

	for _, b := range blocks {
		if b.Owner == owner {
			b.Owner = Free
			freed++
		}

		if n := len(merged); n > 0 && merged[n-1].IsFree() && b.IsFree() {
			merged[n-1] = merge(merged[n-1], b)
			continue
		}

		merged = append(merged, b)
	}

	for _, b := range merged {
		err = c.write(b)
		if err != nil {
			return freed, err
		}
	}

	return freed, nil
}

// Owned returns the blocks held by owner.
func (c *Chain) Owned(owner Owner) ([]MCB, error) {
	blocks, err := c.Blocks()
	if err != nil {
		return nil, err
	}

	var out []MCB
	for _, b := range blocks {
		if b.Owner == owner {
			out = append(out, b)
		}
	}

	return out, nil
}

// Largest is the size of the biggest free block.
func (c *Chain) Largest() (uint16, error) {
	blocks, err := c.Blocks()
	if err != nil {
		return 0, err
	}

	var largest uint16
	for _, b := range blocks {
		if b.IsFree() && b.Size > largest {
			largest = b.Size
		}
	}

	return largest, nil
}

// Normalize converts addr to a linear address, failing unless the result
// lies inside a span held by owner.
func (c *Chain) Normalize(owner Owner, addr SegmentedAddress) (uint32, error) {
	_, err := c.span(owner, addr, 1)
	if err != nil {
		return 0, err
	}

	return addr.Linear(), nil
}

// Project returns n bytes of guest memory starting at addr, provided the
// whole range lies inside one span held by owner.
func (c *Chain) Project(owner Owner, addr SegmentedAddress, n uint32) ([]byte, error) {
	_, err := c.span(owner, addr, n)
	if err != nil {
		return nil, err
	}

	return c.arena.Project(addr.Linear(), n)
}

func (c *Chain) span(owner Owner, addr SegmentedAddress, n uint32) (MCB, error) {
	if n == 0 {
		n = 1
	}

	linear := addr.Linear()
	last := linear + n - 1

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		hit   MCB
		found bool
	)

	err := c.walk(func(_ MCB, _ bool, cur MCB) bool {
		if cur.Owner == owner && cur.contains(linear) && cur.contains(last) {
			hit, found = cur, true
			return false
		}
		return true
	})
	if err != nil {
		return MCB{}, err
	}

	if !found {
		return MCB{}, errors.Wrapf(ErrInvalidBlockAddress, "%s+%d not owned by %d", addr, n, owner)
	}

	return hit, nil
}

// Dump renders the chain for trace logging.
func (c *Chain) Dump() string {
	blocks, err := c.Blocks()
	if err != nil {
		return spew.Sdump(err)
	}

	return spew.Sdump(blocks)
}
