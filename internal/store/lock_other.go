//go:build !unix

package store

import (
	"context"
	"os"
)

// lockFile only creates the lock file; on platforms without flock the
// in-process lock is the only guard.
func lockFile(ctx context.Context, path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
