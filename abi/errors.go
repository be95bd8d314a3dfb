package abi

import "fmt"

// DosErrorCode is the status returned in AX, with the carry flag set, when
// a DOS call fails. The numeric values are part of the guest ABI.
type DosErrorCode uint16

const (
	InvalidFunction           DosErrorCode = 0x01
	FileNotFound              DosErrorCode = 0x02
	PathNotFound              DosErrorCode = 0x03
	TooManyOpenFiles          DosErrorCode = 0x04
	AccessDenied              DosErrorCode = 0x05
	InvalidHandle             DosErrorCode = 0x06
	McbDestroyed              DosErrorCode = 0x07
	InsufficientMemory        DosErrorCode = 0x08
	InvalidMemoryBlockAddress DosErrorCode = 0x09
	InvalidEnvironment        DosErrorCode = 0x0a
	InvalidFormat             DosErrorCode = 0x0b
	InvalidAccessCode         DosErrorCode = 0x0c
	InvalidData               DosErrorCode = 0x0d

	InvalidDrive    DosErrorCode = 0x0f
	CannotRemoveDir DosErrorCode = 0x10
	NotSameDevice   DosErrorCode = 0x11
	NoMatchingFiles DosErrorCode = 0x12
)

var errorNames = map[DosErrorCode]string{
	InvalidFunction:           "invalid function",
	FileNotFound:              "file not found",
	PathNotFound:              "path not found",
	TooManyOpenFiles:          "too many open files",
	AccessDenied:              "access denied",
	InvalidHandle:             "invalid handle",
	McbDestroyed:              "memory control block destroyed",
	InsufficientMemory:        "insufficient memory",
	InvalidMemoryBlockAddress: "invalid memory block address",
	InvalidEnvironment:        "invalid environment",
	InvalidFormat:             "invalid format",
	InvalidAccessCode:         "invalid access code",
	InvalidData:               "invalid data",
	InvalidDrive:              "invalid drive",
	CannotRemoveDir:           "cannot remove current directory",
	NotSameDevice:             "not same device",
	NoMatchingFiles:           "no more matching files",
}

// Valid reports whether c is one of the defined codes. 0x0e is unassigned.
func (c DosErrorCode) Valid() bool {
	_, ok := errorNames[c]
	return ok
}

func (c DosErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}

	return fmt.Sprintf("dos error %#02x", uint16(c))
}

// Error lets a DosErrorCode travel as an error value inside the syscall
// layer.
func (c DosErrorCode) Error() string {
	return c.String()
}
