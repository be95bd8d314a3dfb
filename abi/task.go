package abi

import "fmt"

// TaskID names a task across every processor. Zero is never assigned.
type TaskID uint32

func (t TaskID) String() string {
	return fmt.Sprintf("task%d", uint32(t))
}
