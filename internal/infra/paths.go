package infra

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates the directory if it doesn't exist with safe permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile guards against two fleet processes sharing the same wallet
// set: duplicate loops would double-place every pending signal. Returns an
// unlock function to call on shutdown.
func CreateLockFile(dir string) (func(), error) {
	lockPath := filepath.Join(dir, "fleet.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another fleet instance is already running (lock file exists: %s)", lockPath)
		}
		return nil, err
	}

	// Write current PID for debugging
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}
