package aio

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/log"
)

var ErrUnsupportedOp = errors.New("operation not supported by provider")

const maxBoundFiles = 255

type boundFile struct {
	driver fs.Driver
	inst   fs.Instance
	path   fs.Path
}

// FileProvider runs file operations against the drive table. Open binds
// a driver instance to a provider index; read, write and close address
// that index.
type FileProvider struct {
	Registry *Registry
	Drives   *fs.DriveTable
	L        hclog.Logger

	// Dispatch runs driver work outside the caller. Drivers may block, so
	// the default starts a goroutine per operation.
	Dispatch func(func())

	ctx   context.Context
	files *fs.Instances[boundFile]
}

func NewFileProvider(ctx context.Context, drives *fs.DriveTable, capacity int, w Waker) *FileProvider {
	return &FileProvider{
		Registry: NewRegistry("file", capacity, w),
		Drives:   drives,
		L:        log.Named("aio.file"),
		Dispatch: func(f func()) { go f() },
		ctx:      ctx,
		files:    fs.NewInstances[boundFile](maxBoundFiles),
	}
}

func (p *FileProvider) AddOp(index uint32, op Op) (OpID, error) {
	switch op.Kind {
	case KindOpen, KindRead, KindWrite, KindClose:
	default:
		return 0, errors.Wrapf(ErrUnsupportedOp, "file provider: %s", op.Kind)
	}

	id, err := p.Registry.AddOp(index, op)
	if err != nil {
		return 0, err
	}

	p.Dispatch(func() { p.run(id) })

	return id, nil
}

func (p *FileProvider) run(id OpID) {
	op, ok := p.Registry.Lookup(id)
	if !ok {
		return
	}

	if op.Status == Cancelled {
		p.Registry.Complete(id, Fail(abi.InvalidHandle))
		return
	}

	res := p.execute(op)

	if op.Kind == KindOpen && !res.Failed() {
		if cur, ok := p.Registry.Lookup(id); !ok || cur.Status == Cancelled {
			p.release(fs.Instance(res.Value()))
		}
	}

	err := p.Registry.Complete(id, res)
	if err != nil {
		p.L.Error("completing file op", "id", id, "error", err)
	}
}

func (p *FileProvider) execute(op Op) Result {
	switch op.Kind {
	case KindOpen:
		drv, path, err := p.Drives.Resolve(op.Path)
		if err != nil {
			return p.fail(op, err)
		}

		inst, err := drv.Open(p.ctx, path)
		if err != nil {
			return p.fail(op, err)
		}

		idx, err := p.files.Add(boundFile{driver: drv, inst: inst, path: path})
		if err != nil {
			drv.Close(p.ctx, inst)
			return p.fail(op, err)
		}

		p.L.Trace("file-open", "path", path.String(), "index", idx)

		return Ok(uint32(idx))
	case KindRead:
		bf, err := p.files.Get(fs.Instance(op.Index))
		if err != nil {
			return p.fail(op, err)
		}

		n, err := bf.driver.Read(p.ctx, bf.inst, op.Buf, op.Args[0])
		if err != nil {
			return p.fail(op, err)
		}

		return Ok(uint32(n))
	case KindWrite:
		bf, err := p.files.Get(fs.Instance(op.Index))
		if err != nil {
			return p.fail(op, err)
		}

		n, err := bf.driver.Write(p.ctx, bf.inst, op.Buf, op.Args[0])
		if err != nil {
			return p.fail(op, err)
		}

		return Ok(uint32(n))
	case KindClose:
		err := p.release(fs.Instance(op.Index))
		if err != nil {
			return p.fail(op, err)
		}

		return Ok(0)
	}

	return Fail(abi.InvalidFunction)
}

// Release closes index without going through the registry.
func (p *FileProvider) Release(index uint32) error {
	return p.release(fs.Instance(index))
}

func (p *FileProvider) release(idx fs.Instance) error {
	bf, err := p.files.Remove(idx)
	if err != nil {
		return err
	}

	return bf.driver.Close(p.ctx, bf.inst)
}

func (p *FileProvider) fail(op Op, err error) Result {
	p.L.Debug("file op failed", "id", op.ID, "kind", op.Kind, "error", err)

	code, ok := fs.DosCode(err)
	if !ok {
		code = abi.AccessDenied
	}

	return Fail(code)
}

// Stat reports the attributes of the file bound at index.
func (p *FileProvider) Stat(index uint32) (fs.Attr, error) {
	bf, err := p.files.Get(fs.Instance(index))
	if err != nil {
		return fs.Attr{}, err
	}

	return bf.driver.Stat(p.ctx, bf.inst)
}

// Open files bound to the provider.
func (p *FileProvider) OpenCount() int {
	return p.files.Len()
}
