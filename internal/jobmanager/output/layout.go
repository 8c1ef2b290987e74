package output

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	markerSuffix = "_end"

	// TokenLength is the length of a job token: 8 random bytes, hex encoded.
	TokenLength = 16

	tombstoneContents = "cancelled\n"
	tombstoneSuffix   = ".cancel"
	maxRecordSize     = 64
)

var (
	// ErrInvalidToken is returned for tokens that are not TokenLength
	// lowercase hex characters. Tokens become file names, so nothing else
	// is let near the disk.
	ErrInvalidToken = errors.New("invalid token")

	// ErrCancelled is returned when the job was cancelled before its worker
	// started.
	ErrCancelled = errors.New("job cancelled")

	// ErrRecordPending is returned when the Reader has claimed the record
	// but hasn't written the pgid yet.
	ErrRecordPending = errors.New("process-group record pending")
)

// ValidToken reports whether token is TokenLength lowercase hex characters.
func ValidToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}

	for i := range len(token) {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func checkToken(token string) error {
	if !ValidToken(token) {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}

	return nil
}

// Layout locates the per-job files on disk:
//
//	<SpoolDir>/<Prefix><token>      spool file
//	<SpoolDir>/<Prefix><token>_end  completion marker
//	<PidDir>/<token>                process-group record
type Layout struct {
	SpoolDir string
	Prefix   string
	PidDir   string
}

func (l Layout) SpoolPath(token string) string {
	return filepath.Join(l.SpoolDir, l.Prefix+token)
}

func (l Layout) MarkerPath(token string) string {
	return l.SpoolPath(token) + markerSuffix
}

func (l Layout) RecordPath(token string) string {
	return filepath.Join(l.PidDir, token)
}

// Size returns the current size of the job's spool file.
func (l Layout) Size(token string) (int64, error) {
	fi, err := os.Lstat(l.SpoolPath(token))
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// Finished reports whether the job's completion marker exists.
func (l Layout) Finished(token string) bool {
	_, err := os.Lstat(l.MarkerPath(token))
	return err == nil
}

// Remove deletes the job's spool file and completion marker. Missing files
// are not an error.
func (l Layout) Remove(token string) error {
	if err := checkToken(token); err != nil {
		return err
	}

	var errs []error

	for _, p := range []string{l.SpoolPath(token), l.MarkerPath(token)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Prepare creates the spool and record directories.
func (l Layout) Prepare() error {
	if err := os.MkdirAll(l.SpoolDir, 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	if err := os.MkdirAll(l.PidDir, 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}

	return nil
}

// Clean removes every spool file and completion marker left in the spool
// directory, along with any tombstones in the record directory. Only names
// carrying the spool prefix, or that are tokens, are touched.
func (l Layout) Clean() error {
	entries, err := os.ReadDir(l.SpoolDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read spool dir: %w", err)
	}

	var errs []error

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), l.Prefix) {
			continue
		}

		if err := os.Remove(filepath.Join(l.SpoolDir, e.Name())); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	records, err := os.ReadDir(l.PidDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("read pid dir: %w", err))
	}

	for _, e := range records {
		if !e.Type().IsRegular() || !ValidToken(e.Name()) {
			continue
		}

		if _, err := l.ClearTombstone(e.Name()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// MarkFinished writes the job's completion marker. A symlink in place of
// the marker is not followed.
func (l Layout) MarkFinished(token string) error {
	if err := checkToken(token); err != nil {
		return err
	}

	f, err := os.OpenFile(
		l.MarkerPath(token),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW,
		spoolFileMode,
	)
	if err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}

	_, err = f.WriteString(markerContents)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}

	return nil
}

// ClaimRecord creates the job's process-group record, empty until the
// worker's pgid is written to the returned file followed by a newline. The
// record must not exist yet. If a cancel already left a tombstone,
// ClaimRecord returns ErrCancelled.
func (l Layout) ClaimRecord(token string) (*os.File, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}

	f, err := createExclusive(l.RecordPath(token))
	if err != nil {
		if errors.Is(err, fs.ErrExist) && l.Tombstoned(token) {
			return nil, ErrCancelled
		}

		return nil, fmt.Errorf("claim process-group record: %w", err)
	}

	return f, nil
}

// WriteRecord claims the job's record and stores pgid in it.
func (l Layout) WriteRecord(token string, pgid int) error {
	f, err := l.ClaimRecord(token)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(f, "%d\n", pgid)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("write process-group record: %w", err)
	}

	return nil
}

// TakeRecord reads and deletes the job's process-group record. A missing
// record returns an error wrapping fs.ErrNotExist. A record that is claimed
// but not yet written returns ErrRecordPending and a tombstone returns
// ErrCancelled; both are left in place.
func (l Layout) TakeRecord(token string) (int, error) {
	if err := checkToken(token); err != nil {
		return 0, err
	}

	data, err := readRecord(l.RecordPath(token))
	if err != nil {
		return 0, fmt.Errorf("read process-group record: %w", err)
	}

	switch {
	case data == tombstoneContents:
		return 0, ErrCancelled
	case !strings.HasSuffix(data, "\n"):
		return 0, ErrRecordPending
	}

	_ = os.Remove(l.RecordPath(token))

	pgid, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil || pgid <= 1 {
		return 0, fmt.Errorf("invalid process-group record %q", strings.TrimSpace(data))
	}

	return pgid, nil
}

// DropRecord deletes the job's process-group record. It reports false when
// the record was already gone, i.e. taken by a cancel, or was replaced by a
// tombstone, which is deleted as well.
func (l Layout) DropRecord(token string) (bool, error) {
	if err := checkToken(token); err != nil {
		return false, err
	}

	path := l.RecordPath(token)

	data, err := readRecord(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("read process-group record: %w", err)
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("remove process-group record: %w", err)
	}

	return data != tombstoneContents, nil
}

// PlaceTombstone marks a job without a process-group record as cancelled,
// so its Reader won't start the worker. It reports false, leaving things
// as they are, when a record appeared in the meantime.
func (l Layout) PlaceTombstone(token string) (bool, error) {
	if err := checkToken(token); err != nil {
		return false, err
	}

	f, err := createExclusive(l.RecordPath(token))
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}

		return false, fmt.Errorf("place tombstone: %w", err)
	}

	if err := writeTombstone(f); err != nil {
		return false, err
	}

	return true, nil
}

// ReplaceWithTombstone atomically swaps whatever record the job has for a
// tombstone.
func (l Layout) ReplaceWithTombstone(token string) error {
	if err := checkToken(token); err != nil {
		return err
	}

	tmp := l.RecordPath(token) + tombstoneSuffix
	_ = os.Remove(tmp)

	f, err := createExclusive(tmp)
	if err != nil {
		return fmt.Errorf("place tombstone: %w", err)
	}

	if err := writeTombstone(f); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, l.RecordPath(token)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("place tombstone: %w", err)
	}

	return nil
}

// Tombstoned reports whether the job's record is a tombstone.
func (l Layout) Tombstoned(token string) bool {
	if !ValidToken(token) {
		return false
	}

	data, err := readRecord(l.RecordPath(token))

	return err == nil && data == tombstoneContents
}

// ClearTombstone deletes the job's tombstone, reporting whether there was
// one. Any other record is left alone.
func (l Layout) ClearTombstone(token string) (bool, error) {
	if !l.Tombstoned(token) {
		return false, nil
	}

	if err := os.Remove(l.RecordPath(token)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("clear tombstone: %w", err)
	}

	return true, nil
}

func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(
		path,
		os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW,
		spoolFileMode,
	)
}

func writeTombstone(f *os.File) error {
	_, err := f.WriteString(tombstoneContents)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}

	return nil
}

func readRecord(path string) (string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxRecordSize))
	if err != nil {
		return "", err
	}

	return string(data), nil
}
