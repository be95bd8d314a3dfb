package abi

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MessageSize is the fixed encoded size of a Message.
const MessageSize = 32

var ErrShortMessage = errors.New("message buffer shorter than 32 bytes")

// Message is the fixed-shape notification passed between tasks and
// drivers. Type and UniqueID are conventional; Args are free-form.
type Message struct {
	Type     uint32
	UniqueID uint32
	Args     [6]uint32
}

// MarshalBinary encodes m as 32 little-endian bytes in field order.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MessageSize)
	m.Put(buf)
	return buf, nil
}

// Put encodes m into buf, which must hold at least MessageSize bytes.
func (m Message) Put(buf []byte) {
	le := binary.LittleEndian

	le.PutUint32(buf[0:], m.Type)
	le.PutUint32(buf[4:], m.UniqueID)
	for i, a := range m.Args {
		le.PutUint32(buf[8+4*i:], a)
	}
}

func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < MessageSize {
		return errors.Wrapf(ErrShortMessage, "got %d bytes", len(buf))
	}

	le := binary.LittleEndian

	m.Type = le.Uint32(buf[0:])
	m.UniqueID = le.Uint32(buf[4:])
	for i := range m.Args {
		m.Args[i] = le.Uint32(buf[8+4*i:])
	}

	return nil
}
