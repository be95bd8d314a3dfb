// Package host backs a drive with a directory on the host filesystem.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/log"
)

const maxOpen = 255

type HostFS struct {
	Root     string
	ReadOnly bool

	files *fs.Instances[*openFile]
}

type openFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func NewHostFS(path string) (*HostFS, error) {
	log.L.Trace("creating host fs", "path", path)

	stat, err := os.Stat(path)
	if err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, err
	}

	if !stat.IsDir() {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "host root %s", path)
	}

	return &HostFS{
		Root:  path,
		files: fs.NewInstances[*openFile](maxOpen),
	}, nil
}

// lookup finds the host name for each component, matching case
// insensitively since DOS names are always upper case.
func (h *HostFS) lookup(p fs.Path) (string, error) {
	cur := h.Root

	for i, part := range p.Components {
		ents, err := os.ReadDir(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fs.ErrPathNotFound
			}
			return "", errors.Wrapf(fs.ErrNotDirectory, "%s", cur)
		}

		found := ""
		for _, ent := range ents {
			if strings.EqualFold(ent.Name(), part) {
				found = ent.Name()
				break
			}
		}

		if found == "" {
			if i == len(p.Components)-1 {
				return "", errors.Wrapf(fs.ErrFileNotFound, "%s", p)
			}
			return "", errors.Wrapf(fs.ErrPathNotFound, "%s", p)
		}

		cur = filepath.Join(cur, found)
	}

	return cur, nil
}

func (h *HostFS) Open(ctx context.Context, p fs.Path) (fs.Instance, error) {
	log.L.Trace("open on host fs", "path", p.String())

	hp, err := h.lookup(p)
	if err != nil {
		return 0, err
	}

	stat, err := os.Stat(hp)
	if err != nil {
		return 0, errors.Wrapf(fs.ErrFileNotFound, "%s", p)
	}

	if stat.IsDir() {
		return 0, errors.Wrapf(fs.ErrIsDirectory, "%s", p)
	}

	flag := os.O_RDWR
	if h.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(hp, flag, 0)
	if err != nil && os.IsPermission(err) && flag != os.O_RDONLY {
		f, err = os.Open(hp)
	}

	if err != nil {
		return 0, err
	}

	inst, err := h.files.Add(&openFile{f: f, path: hp})
	if err != nil {
		f.Close()
		return 0, err
	}

	return inst, nil
}

func (h *HostFS) Read(ctx context.Context, inst fs.Instance, buf []byte, offset uint32) (int, error) {
	of, err := h.files.Get(inst)
	if err != nil {
		return 0, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	n, err := of.f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (h *HostFS) Write(ctx context.Context, inst fs.Instance, buf []byte, offset uint32) (int, error) {
	if h.ReadOnly {
		return 0, fs.ErrReadOnly
	}

	of, err := h.files.Get(inst)
	if err != nil {
		return 0, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	return of.f.WriteAt(buf, int64(offset))
}

func (h *HostFS) Close(ctx context.Context, inst fs.Instance) error {
	of, err := h.files.Remove(inst)
	if err != nil {
		return err
	}

	return of.f.Close()
}

func (h *HostFS) Stat(ctx context.Context, inst fs.Instance) (fs.Attr, error) {
	of, err := h.files.Get(inst)
	if err != nil {
		return fs.Attr{}, err
	}

	stat, err := of.f.Stat()
	if err != nil {
		return fs.Attr{}, err
	}

	attr := fs.AttrFromFileInfo(stat)
	if h.ReadOnly {
		attr.ReadOnly = true
	}

	return attr, nil
}

// File exposes the host file behind inst, for device queries.
func (h *HostFS) File(inst fs.Instance) (*os.File, error) {
	of, err := h.files.Get(inst)
	if err != nil {
		return nil, err
	}

	return of.f, nil
}
