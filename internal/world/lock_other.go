//go:build !unix

package world

import (
	"os"
	"time"
)

// lockFile approximates an advisory lock with an O_EXCL lock file next to
// the log on platforms without flock.
func lockFile(f *os.File) (func(), error) {
	lockPath := f.Name() + ".lock"
	for {
		lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			lf.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}
