// Package platform wraps the OS-specific file operations used by the disk cache.
package platform

import "errors"

// Errors returned by this package.
var (
	// ErrLocked is returned when another process holds a file lock.
	ErrLocked = errors.New("platform: file is locked by another process")

	// ErrSymlink is returned when attempting to open a symbolic link.
	ErrSymlink = errors.New("platform: symbolic links not supported")
)
