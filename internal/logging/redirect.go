package logging

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Redirector forwards everything written to a pipe into a logger, one
// debug entry per line. Capture points a file descriptor such as stderr at
// the pipe so output from native libraries ends up in the log too.
type Redirector struct {
	logger *zap.Logger
	r, w   *os.File
	done   chan struct{}

	mu       sync.Mutex
	captured []capture
	closed   bool
}

type capture struct {
	fd    int
	saved *os.File
}

// NewRedirector starts the reader. Close must be called to stop it.
func NewRedirector(logger *zap.Logger, stream string) (*Redirector, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	rd := &Redirector{
		logger: logger.With(zap.String("stream", stream)),
		r:      r,
		w:      w,
		done:   make(chan struct{}),
	}
	go rd.read()
	return rd, nil
}

// Writer is the write end of the pipe.
func (rd *Redirector) Writer() io.Writer { return rd.w }

// Capture duplicates the pipe onto fd. The original descriptor is
// restored by Close.
func (rd *Redirector) Capture(fd int) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.closed {
		return errors.New("redirector closed")
	}
	saved, err := redirectFD(int(rd.w.Fd()), fd)
	if err != nil {
		return err
	}
	if fd == stderrFD() {
		output.set(saved)
	}
	rd.captured = append(rd.captured, capture{fd: fd, saved: saved})
	return nil
}

// CaptureStderr is Capture on the process's standard error.
func (rd *Redirector) CaptureStderr() error {
	return rd.Capture(stderrFD())
}

func stderrFD() int { return int(os.Stderr.Fd()) }

// Close restores captured descriptors, closes the pipe and waits for the
// reader to drain it.
func (rd *Redirector) Close() error {
	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		return nil
	}
	rd.closed = true

	var errs []error
	for i := len(rd.captured) - 1; i >= 0; i-- {
		c := rd.captured[i]
		if err := restoreFD(c.saved, c.fd); err != nil {
			errs = append(errs, err)
		}
		if c.fd == stderrFD() {
			output.set(os.Stderr)
		}
		errs = append(errs, c.saved.Close())
	}
	rd.captured = nil
	errs = append(errs, rd.w.Close())
	rd.mu.Unlock()

	<-rd.done
	errs = append(errs, rd.r.Close())
	return errors.Join(errs...)
}

func (rd *Redirector) read() {
	defer close(rd.done)

	br := bufio.NewReader(rd.r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			rd.logger.Debug(line)
		}
		if err != nil {
			return
		}
	}
}
