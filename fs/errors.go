package fs

import "github.com/pkg/errors"

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrPathNotFound    = errors.New("path not found")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidDrive    = errors.New("invalid drive")
	ErrInvalidInstance = errors.New("invalid file instance")
	ErrIsDirectory     = errors.New("is a directory")
	ErrNotDirectory    = errors.New("not a directory")
	ErrReadOnly        = errors.New("read-only filesystem")
	ErrTooManyOpen     = errors.New("too many open files")
)
