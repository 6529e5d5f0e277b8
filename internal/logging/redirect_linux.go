//go:build linux

package logging

import (
	"os"

	"golang.org/x/sys/unix"
)

// redirectFD points target at src and returns a file holding the
// descriptor target referred to before.
func redirectFD(src, target int) (*os.File, error) {
	saved, err := unix.Dup(target)
	if err != nil {
		return nil, err
	}
	if err := unix.Dup3(src, target, 0); err != nil {
		unix.Close(saved)
		return nil, err
	}
	return os.NewFile(uintptr(saved), "saved"), nil
}

func restoreFD(saved *os.File, target int) error {
	return unix.Dup3(int(saved.Fd()), target, 0)
}
