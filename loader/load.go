// Package loader places program images into a real-mode address space.
// Only flat .COM images are accepted; anything else is rejected before
// memory is touched.
package loader

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/log"
)

// MaxCOMSize leaves room in the 64 KiB segment for the PSP and the
// initial stack word.
const MaxCOMSize = 0x10000 - 0x100 - 2

var (
	ErrImageTooLarge     = errors.New("image does not fit in one segment")
	ErrUnsupportedFormat = errors.New("unsupported executable format")
	ErrEmptyImage        = errors.New("empty image")
)

// Image is a validated program ready to be placed.
type Image struct {
	Name string
	Key  string
	Body []byte
}

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache() *LoaderCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (l *LoaderCache) Set(key string, img *Image) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, img)
}

func (l *LoaderCache) Len() int {
	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.Named("loader"),
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func (l *Loader) LoadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return l.Load(path, f)
}

// LoadDrive reads the program at a DOS path through the drive table.
func (l *Loader) LoadDrive(ctx context.Context, drives *fs.DriveTable, path string) (*Image, error) {
	drv, p, err := drives.Resolve(path)
	if err != nil {
		return nil, err
	}

	inst, err := drv.Open(ctx, p)
	if err != nil {
		return nil, err
	}

	defer drv.Close(ctx, inst)

	var (
		buf    bytes.Buffer
		chunk  = make([]byte, 4096)
		offset uint32
	)

	for {
		n, err := drv.Read(ctx, inst, chunk, offset)
		if err != nil {
			return nil, err
		}

		if n == 0 {
			break
		}

		buf.Write(chunk[:n])
		offset += uint32(n)

		if buf.Len() > MaxCOMSize {
			return nil, errors.Wrapf(ErrImageTooLarge, "%s", p)
		}
	}

	return l.Load(p.String(), bytes.NewReader(buf.Bytes()))
}

func (l *Loader) Load(name string, r io.ReadSeeker) (*Image, error) {
	var cacheKey string

	if l.cache != nil {
		l.L.Debug("calculating image cache key")

		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, err
		}

		_, err = io.Copy(h, r)
		if err != nil {
			return nil, err
		}

		cacheKey = base64.URLEncoding.EncodeToString(h.Sum(nil))

		l.L.Debug("looking for cached image", "key", cacheKey)

		_, err = r.Seek(0, io.SeekStart)
		if err != nil {
			return nil, err
		}

		if img, ok := l.cache.Lookup(cacheKey); ok {
			return img, nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(r, MaxCOMSize+1))
	if err != nil {
		return nil, err
	}

	err = validate(body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	img := &Image{Name: name, Key: cacheKey, Body: body}

	if l.cache != nil {
		l.L.Debug("cached image", "key", cacheKey)
		l.cache.Set(cacheKey, img)
	}

	return img, nil
}

func validate(body []byte) error {
	switch {
	case len(body) == 0:
		return ErrEmptyImage
	case len(body) > MaxCOMSize:
		return ErrImageTooLarge
	case len(body) >= 2 && (string(body[:2]) == "MZ" || string(body[:2]) == "ZM"):
		return ErrUnsupportedFormat
	}

	return nil
}
