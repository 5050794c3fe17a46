//go:build !unix

package platform

import "os"

// LockFile creates path and returns it open. Advisory locking is not
// available on this platform, so concurrent processes are not excluded.
func LockFile(path string, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm) //nolint:gosec // path is owned by the cache
}
