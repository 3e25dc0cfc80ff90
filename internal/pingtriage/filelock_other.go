//go:build !unix

package pingtriage

import "os"

// lockFile only creates the lock file; advisory locking needs flock(2).
func lockFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return f.Close, nil
}
