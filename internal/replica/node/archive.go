package node

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/staging"
)

var (
	// ErrConflict is returned when a file is uploaded again with a different checksum.
	ErrConflict = errors.New("file already stored with a different checksum")
	// ErrNotFound is returned for files the archive does not hold.
	ErrNotFound = errors.New("file not found")
	// ErrChecksumMismatch is returned when a removal names a checksum the
	// stored copy does not have.
	ErrChecksumMismatch = errors.New("stored copy has a different checksum")
)

// FetchFunc writes the bytes of an uploaded file to w.
type FetchFunc func(w io.Writer) error

// Archive is the storage engine behind a replica node.
type Archive interface {
	// Store keeps the file fetched by fetch under name. A file already held
	// with the same checksum is accepted without fetching.
	Store(name, checksum string, fetch FetchFunc) error
	// Checksum returns the checksum of name; found is false when the file
	// is not held.
	Checksum(name string) (checksum string, found bool, err error)
	// Filenames returns the names of every held file in order.
	Filenames() ([]string, error)
	Close() error
}

// FileArchive is a bitstream archive keeping each file on disk under
// dir/files. Removed copies are moved to dir/removed.
type FileArchive struct {
	filesDir   string
	removedDir string

	mu  sync.Mutex // guards renames into and out of filesDir
	now func() time.Time
}

// NewFileArchive creates the archive directories under dir.
func NewFileArchive(dir string) (*FileArchive, error) {
	a := &FileArchive{
		filesDir:   filepath.Join(dir, "files"),
		removedDir: filepath.Join(dir, "removed"),
		now:        time.Now,
	}
	for _, d := range []string{a.filesDir, a.removedDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	return a, nil
}

func (a *FileArchive) path(name string) string {
	return filepath.Join(a.filesDir, name)
}

func (a *FileArchive) Store(name, checksum string, fetch FetchFunc) error {
	if !staging.ValidName(name) {
		return fmt.Errorf("%w: %q", staging.ErrInvalidName, name)
	}
	if existing, found, err := a.Checksum(name); err != nil {
		return err
	} else if found {
		return sameChecksum(name, existing, checksum)
	}

	tmp, err := os.CreateTemp(a.filesDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := fetch(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another upload of the same file may have finished meanwhile.
	if _, err := os.Stat(a.path(name)); err == nil {
		existing, _, err := a.checksumLocked(name)
		if err != nil {
			return err
		}
		return sameChecksum(name, existing, checksum)
	}
	if err := os.Rename(tmpPath, a.path(name)); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (a *FileArchive) Checksum(name string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checksumLocked(name)
}

func (a *FileArchive) checksumLocked(name string) (string, bool, error) {
	if !staging.ValidName(name) {
		return "", false, nil
	}
	f, err := os.Open(a.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	sum, _, err := staging.Checksum(f)
	if err != nil {
		return "", false, fmt.Errorf("checksum %s: %w", name, err)
	}
	return sum, true, nil
}

func (a *FileArchive) Filenames() ([]string, error) {
	entries, err := os.ReadDir(a.filesDir)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ChecksumLines runs the checksum job over name, or over every file when
// name is empty. It returns report lines and the files that could not be
// read.
func (a *FileArchive) ChecksumLines(name string) (lines, failed []string, err error) {
	names := []string{name}
	if name == "" {
		if names, err = a.Filenames(); err != nil {
			return nil, nil, err
		}
	}

	for _, n := range names {
		sum, found, err := a.Checksum(n)
		if err != nil {
			failed = append(failed, n)
			continue
		}
		if found {
			lines = append(lines, protocol.FormatChecksumLine(n, sum))
		}
	}
	return lines, failed, nil
}

// RemoveAndGet moves the copy of name out of the archive and returns its
// bytes. The copy must have the given checksum.
func (a *FileArchive) RemoveAndGet(name, checksum string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum, found, err := a.checksumLocked(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if sum != checksum {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrChecksumMismatch, name, sum, checksum)
	}

	data, err := os.ReadFile(a.path(name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	removed := filepath.Join(a.removedDir, fmt.Sprintf("%s.%d", name, a.now().UnixNano()))
	if err := os.Rename(a.path(name), removed); err != nil {
		return nil, fmt.Errorf("remove %s: %w", name, err)
	}
	return data, nil
}

func (a *FileArchive) Close() error { return nil }

func sameChecksum(name, stored, uploaded string) error {
	if stored == uploaded {
		return nil
	}
	return fmt.Errorf("%w: %s is %s, upload is %s", ErrConflict, name, stored, uploaded)
}
