package kernel

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/evanphx/segos/memory"
)

var (
	ErrUnknownFile = errors.New("unknown file")
	ErrFileTable   = errors.New("system file table full")
)

// Device is a character device reachable through a file handle.
type Device interface {
	Name() string
	io.Reader
	io.Writer
}

// File is an entry in the system file table. Job file tables in each PSP
// refer to files by their index here.
type File struct {
	mu   sync.Mutex
	refs int

	Name string

	// Index is the file provider index for files on a drive.
	Index uint32

	// Device is set for character devices, which bypass the provider.
	Device Device

	pos uint32
}

func (f *File) Pos() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pos
}

func (f *File) Advance(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pos += n
}

// Seek moves the file position to pos.
func (f *File) Seek(pos uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pos = pos
}

func (f *File) incRef() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs++
}

// decRef drops a reference and reports whether it was the last.
func (f *File) decRef() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs--
	return f.refs <= 0
}

func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refs
}

const sftSize = memory.NoHandle

// FileTable is the system file table.
type FileTable struct {
	mu    sync.Mutex
	files [sftSize]*File
}

// Add stores f with one reference and returns its system file number.
func (ft *FileTable) Add(f *File) (uint8, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for i, cur := range ft.files {
		if cur == nil {
			f.refs = 1
			ft.files[i] = f
			return uint8(i), nil
		}
	}

	return 0, ErrFileTable
}

func (ft *FileTable) Get(n uint8) (*File, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if int(n) >= len(ft.files) || ft.files[n] == nil {
		return nil, false
	}

	return ft.files[n], true
}

// Dup adds a reference to system file n.
func (ft *FileTable) Dup(n uint8) error {
	f, ok := ft.Get(n)
	if !ok {
		return errors.Wrapf(ErrUnknownFile, "sft %d", n)
	}

	f.incRef()
	return nil
}

// Release drops a reference to system file n. When it was the last one
// the entry is removed and returned so the caller can close it.
func (ft *FileTable) Release(n uint8) (*File, bool, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if int(n) >= len(ft.files) || ft.files[n] == nil {
		return nil, false, errors.Wrapf(ErrUnknownFile, "sft %d", n)
	}

	f := ft.files[n]
	if !f.decRef() {
		return f, false, nil
	}

	ft.files[n] = nil
	return f, true, nil
}

func (ft *FileTable) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	n := 0
	for _, f := range ft.files {
		if f != nil {
			n++
		}
	}

	return n
}

// Console is the CON device.
type Console struct {
	In  io.Reader
	Out io.Writer
}

func (c *Console) Name() string { return "CON" }

func (c *Console) Read(b []byte) (int, error) {
	if c.In == nil {
		return 0, io.EOF
	}

	return c.In.Read(b)
}

func (c *Console) Write(b []byte) (int, error) {
	if c.Out == nil {
		return len(b), nil
	}

	return c.Out.Write(b)
}

// HostFile returns the host file behind the console output, if any.
func (c *Console) HostFile() (*os.File, bool) {
	f, ok := c.Out.(*os.File)
	return f, ok
}

// NullDevice discards writes and reads as end of file.
type NullDevice struct {
	name string
}

func (n NullDevice) Name() string                { return n.name }
func (n NullDevice) Read(b []byte) (int, error)  { return 0, io.EOF }
func (n NullDevice) Write(b []byte) (int, error) { return len(b), nil }

// Device returns the character device reserved under name, if any.
func (k *Kernel) Device(name string) (Device, bool) {
	switch name {
	case "CON":
		return k.Console, true
	case "NUL", "AUX", "PRN":
		return NullDevice{name: name}, true
	}

	return nil, false
}
