//go:build !unix

package storage

import (
	"errors"
	"os"
)

var ErrLocked = errors.New("storage directory is locked by another process")

// Advisory locking is only implemented on unix; elsewhere the lock file just
// marks the directory as in use.
func lockDir(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

func unlockDir(f *os.File) error {
	return f.Close()
}
