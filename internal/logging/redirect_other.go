//go:build !unix

package logging

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("descriptor redirection is not supported on this platform")

func redirectFD(src, target int) (*os.File, error) { return nil, errUnsupported }

func restoreFD(saved *os.File, target int) error { return errUnsupported }
