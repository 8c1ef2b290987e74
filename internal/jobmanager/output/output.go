// Package output provides on-disk spooling of process output. A single
// Spooler appends a job's output to its spool file; any number of clients
// read it back at their own offsets. A completion marker next to the spool
// file signals that no more output is coming.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// DefaultReadSize is the read buffer size used when none is given.
	// 4KB aligns with typical pipe buffer sizes.
	DefaultReadSize = 4096

	spoolFileMode  = 0644
	markerContents = "end"
)

// Spooler drains a source into a spool file. Each read from the source is
// appended verbatim, so a chunk boundary may fall in the middle of a line.
type Spooler struct {
	layout   Layout
	token    string
	readSize int
}

// NewSpooler creates a Spooler for the job identified by token. readSize
// bytes are read from the source at a time.
func NewSpooler(layout Layout, token string, readSize int) *Spooler {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}

	return &Spooler{
		layout:   layout,
		token:    token,
		readSize: readSize,
	}
}

// Run drains source until EOF, then writes the completion marker. It blocks
// for as long as the source stays open and closes source before returning.
func (s *Spooler) Run(source io.ReadCloser) error {
	defer source.Close()

	if err := checkToken(s.token); err != nil {
		return err
	}

	f, err := os.OpenFile(
		s.layout.SpoolPath(s.token),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND|unix.O_NOFOLLOW,
		spoolFileMode,
	)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}

	buffer := make([]byte, s.readSize)

	var writeErr error

	for {
		n, err := source.Read(buffer)
		if n > 0 && writeErr == nil {
			if _, werr := f.Write(buffer[:n]); werr != nil {
				// Keep draining so the worker never blocks on a full pipe.
				writeErr = fmt.Errorf("append to spool file: %w", werr)
			}
		}

		// Non-EOF read errors end the stream the same way EOF does.
		if err != nil {
			break
		}
	}

	if err := f.Close(); err != nil && writeErr == nil {
		writeErr = fmt.Errorf("close spool file: %w", err)
	}

	if err := s.layout.MarkFinished(s.token); err != nil {
		return errors.Join(writeErr, err)
	}

	return writeErr
}
