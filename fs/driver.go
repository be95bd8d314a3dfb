// Package fs is the kernel's view of storage. Drivers are registered
// against drive letters once at startup; the kernel resolves DOS paths to
// a driver and talks to it through the Driver interface.
package fs

import (
	"context"
	"os"
	"time"
)

// Instance names one open file within a driver.
type Instance uint32

// NodeType enumerates what a path can resolve to.
type NodeType int

const (
	RegularFile NodeType = iota
	Directory
	CharacterDevice
)

func (n NodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case CharacterDevice:
		return "character-device"
	default:
		return "unknown"
	}
}

func typeFromMode(mode os.FileMode) NodeType {
	switch {
	case mode.IsDir():
		return Directory
	case mode&os.ModeCharDevice != 0:
		return CharacterDevice
	default:
		return RegularFile
	}
}

// Attr describes a node at the time it was opened.
type Attr struct {
	Type     NodeType
	Size     int64
	ModTime  time.Time
	ReadOnly bool
}

func AttrFromFileInfo(fi os.FileInfo) Attr {
	return Attr{
		Type:     typeFromMode(fi.Mode()),
		Size:     fi.Size(),
		ModTime:  fi.ModTime(),
		ReadOnly: fi.Mode().Perm()&0200 == 0,
	}
}

// Driver is implemented by every filesystem backing a drive letter.
// Calls may block; the kernel only makes them from provider goroutines,
// never from interrupt context.
type Driver interface {
	Open(ctx context.Context, path Path) (Instance, error)
	Read(ctx context.Context, inst Instance, buf []byte, offset uint32) (int, error)
	Write(ctx context.Context, inst Instance, buf []byte, offset uint32) (int, error)
	Close(ctx context.Context, inst Instance) error
	Stat(ctx context.Context, inst Instance) (Attr, error)
}
