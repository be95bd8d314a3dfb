package fs

import (
	"os"

	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
)

// DosCode maps a driver error to the code a guest sees. ok is false for
// errors that did not originate in this package or the host OS.
func DosCode(err error) (abi.DosErrorCode, bool) {
	cause := errors.Cause(err)

	switch cause {
	case ErrFileNotFound:
		return abi.FileNotFound, true
	case ErrPathNotFound, ErrNotDirectory:
		return abi.PathNotFound, true
	case ErrInvalidPath:
		return abi.PathNotFound, true
	case ErrInvalidDrive:
		return abi.InvalidDrive, true
	case ErrInvalidInstance:
		return abi.InvalidHandle, true
	case ErrIsDirectory, ErrReadOnly:
		return abi.AccessDenied, true
	case ErrTooManyOpen:
		return abi.TooManyOpenFiles, true
	}

	switch {
	case os.IsNotExist(cause):
		return abi.FileNotFound, true
	case os.IsPermission(cause):
		return abi.AccessDenied, true
	}

	return 0, false
}
