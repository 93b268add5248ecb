//go:build linux || darwin

package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flock takes an exclusive, non-blocking advisory lock on f. It returns
// ErrAlreadyRunning if another process already holds it.
func flock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return nil
}
