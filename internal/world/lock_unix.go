//go:build unix

package world

import (
	"os"
	"syscall"
)

// lockFile takes an advisory exclusive lock on f, returning the unlock
// function.
func lockFile(f *os.File) (func(), error) {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return nil, err
	}
	return func() { syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }, nil
}
