package fs

import (
	"strings"

	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/pkg/once"
)

const pathCacheSize = 1000

// DriveTable maps drive letters to drivers. Each letter can be bound at
// most once for the life of the table.
type DriveTable struct {
	Default byte

	drives    [26]once.Value[Driver]
	PathCache *lru.ARCCache
}

func NewDriveTable(def byte) *DriveTable {
	cache, err := lru.NewARC(pathCacheSize)
	if err != nil {
		panic(err)
	}

	return &DriveTable{
		Default:   upper(def),
		PathCache: cache,
	}
}

func driveIndex(letter byte) (int, error) {
	l := upper(letter)
	if l < 'A' || l > 'Z' {
		return 0, errors.Wrapf(ErrInvalidDrive, "drive %q", letter)
	}

	return int(l - 'A'), nil
}

// Register binds d to letter.
func (t *DriveTable) Register(letter byte, d Driver) error {
	idx, err := driveIndex(letter)
	if err != nil {
		return err
	}

	err = t.drives[idx].Set(d)
	if err != nil {
		return errors.Wrapf(err, "drive %c:", 'A'+idx)
	}

	log.L.Debug("registered drive", "drive", string(rune('A'+idx)))

	return nil
}

func (t *DriveTable) Driver(letter byte) (Driver, error) {
	idx, err := driveIndex(letter)
	if err != nil {
		return nil, err
	}

	d, ok := t.drives[idx].Get()
	if !ok {
		return nil, errors.Wrapf(ErrInvalidDrive, "drive %c: not registered", 'A'+idx)
	}

	return d, nil
}

// Resolve parses raw and returns the driver for its drive.
func (t *DriveTable) Resolve(raw string) (Driver, Path, error) {
	key := strings.ToUpper(raw)

	var p Path

	if val, ok := t.PathCache.Get(key); ok {
		p = val.(Path)
	} else {
		parsed, err := ParsePath(raw, t.Default)
		if err != nil {
			return nil, Path{}, err
		}

		p = parsed
		t.PathCache.Add(key, p)
	}

	d, err := t.Driver(p.Drive)
	if err != nil {
		return nil, Path{}, err
	}

	return d, p, nil
}
