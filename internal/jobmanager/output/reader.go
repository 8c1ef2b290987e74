package output

import (
	"fmt"
	"io"
	"os"
)

// ReadRange returns bytes [from, to) of the spool file at path. Fewer bytes
// are returned if the file is shorter than to. An empty or inverted range
// returns nil.
func ReadRange(path string, from, to int64) ([]byte, error) {
	if from < 0 || to <= from {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, to-from)

	n, err := f.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read spool file: %w", err)
	}

	return buf[:n], nil
}
