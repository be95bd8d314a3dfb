// Package aio tracks asynchronous I/O operations. Each provider owns a
// Registry of its outstanding operations; drivers finish an operation by
// calling Complete from whatever context they run in, and the requesting
// task later consumes the result with Take.
package aio

import (
	"fmt"

	"github.com/evanphx/segos/abi"
)

// OpID identifies an operation within one provider. Zero is never issued.
type OpID uint32

type Kind uint16

const (
	KindOpen Kind = iota + 1
	KindRead
	KindWrite
	KindClose
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindClose:
		return "close"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

type Status int

const (
	Pending Status = iota
	Complete
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the 32 bit completion word. The high bit marks an error, in
// which case the low bits carry the DOS error code.
type Result uint32

const resultError = 0x80000000

func Ok(v uint32) Result {
	return Result(v & 0x7fffffff)
}

func Fail(code abi.DosErrorCode) Result {
	return Result(uint32(code)&0x7fffffff | resultError)
}

func (r Result) Failed() bool {
	return r&resultError != 0
}

func (r Result) Value() uint32 {
	return uint32(r) & 0x7fffffff
}

// Code returns the error carried by a failed result.
func (r Result) Code() abi.DosErrorCode {
	if !r.Failed() {
		return 0
	}

	return abi.DosErrorCode(r.Value())
}

func (r Result) String() string {
	if r.Failed() {
		return "err(" + r.Code().String() + ")"
	}

	return fmt.Sprintf("ok(%d)", r.Value())
}

// Op is one request handed to a provider. Buf, when set, aliases guest
// memory; drivers read into or write from it directly.
type Op struct {
	ID        OpID
	Index     uint32
	Requester abi.TaskID
	Kind      Kind
	Args      [3]uint32
	Path      string
	Buf       []byte

	Status Status
	Result Result
}

// Provider is implemented by everything tasks can issue I/O against.
type Provider interface {
	AddOp(index uint32, op Op) (OpID, error)
}
