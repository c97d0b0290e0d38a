// Package staging holds the bytes of submitted files until every replica has
// fetched them, and serves them to replicas zstd-compressed.
package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/rs/zerolog"
)

// FilePath is the URL path prefix staged files are served under.
const FilePath = "/api/v1/staging/"

var (
	// ErrInvalidName is returned for filenames that are not a single path element.
	ErrInvalidName = errors.New("invalid filename")
	// ErrNotStaged is returned when no staged copy exists.
	ErrNotStaged = errors.New("file not staged")
	// ErrStagedConflict is returned when a different copy of the file is
	// already staged.
	ErrStagedConflict = errors.New("a different copy is already staged")
	// ErrChecksumMismatch is returned when the received bytes do not have the
	// declared checksum.
	ErrChecksumMismatch = errors.New("checksum of received bytes does not match")
)

// Area is a directory of staged files.
type Area struct {
	dir     string
	baseURL string
	logger  zerolog.Logger

	mu          sync.Mutex // guards renames into dir
	encoderPool sync.Pool
}

// NewArea creates the staging directory. baseURL is the public URL of the
// server serving FilePath.
func NewArea(dir, baseURL string, logger zerolog.Logger) (*Area, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	a := &Area{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "staging").Logger(),
	}
	a.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	return a, nil
}

// ValidName reports whether filename can be stored as a single file.
func ValidName(filename string) bool {
	if filename == "" || filename == "." || filename == ".." {
		return false
	}
	return !strings.ContainsAny(filename, `/\`) && !strings.ContainsRune(filename, 0)
}

// Stage writes r to the staging area under filename and returns the handle
// replicas fetch it with. The checksum is computed from the staged bytes.
// Staging identical bytes again is accepted; different bytes under a staged
// name fail with ErrStagedConflict.
func (a *Area) Stage(filename string, r io.Reader) (replica.File, error) {
	return a.stage(filename, "", r)
}

// StageVerified is Stage for bytes declared to have checksum. Bytes with
// another checksum are discarded with ErrChecksumMismatch and leave any
// staged copy untouched.
func (a *Area) StageVerified(filename, checksum string, r io.Reader) (replica.File, error) {
	if checksum == "" {
		return replica.File{}, fmt.Errorf("%w: no checksum declared", ErrChecksumMismatch)
	}
	return a.stage(filename, strings.ToLower(checksum), r)
}

func (a *Area) stage(filename, expected string, r io.Reader) (replica.File, error) {
	if !ValidName(filename) {
		return replica.File{}, fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}

	tmp, err := os.CreateTemp(a.dir, ".stage-*.tmp")
	if err != nil {
		return replica.File{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	h := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return replica.File{}, fmt.Errorf("write staged file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return replica.File{}, fmt.Errorf("close temp file: %w", err)
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	if expected != "" && checksum != expected {
		_ = os.Remove(tmpPath)
		return replica.File{}, fmt.Errorf("%w: declared %s, received %s", ErrChecksumMismatch, expected, checksum)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.stagedChecksum(filename); err == nil {
		_ = os.Remove(tmpPath)
		if existing != checksum {
			return replica.File{}, fmt.Errorf("%w: %s", ErrStagedConflict, filename)
		}
	} else if !errors.Is(err, ErrNotStaged) {
		_ = os.Remove(tmpPath)
		return replica.File{}, err
	} else if err := os.Rename(tmpPath, a.path(filename)); err != nil {
		_ = os.Remove(tmpPath)
		return replica.File{}, fmt.Errorf("rename staged file: %w", err)
	}

	return replica.File{
		Name:     filename,
		Checksum: checksum,
		Size:     size,
		URL:      a.baseURL + FilePath + url.PathEscape(filename),
	}, nil
}

func (a *Area) stagedChecksum(filename string) (string, error) {
	f, err := os.Open(a.path(filename))
	if os.IsNotExist(err) {
		return "", ErrNotStaged
	}
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum, _, err := Checksum(f)
	return sum, err
}

// Has reports whether filename is staged.
func (a *Area) Has(filename string) bool {
	if !ValidName(filename) {
		return false
	}
	_, err := os.Stat(a.path(filename))
	return err == nil
}

// Release removes the staged copy of filename. Releasing a file that is not
// staged is not an error.
func (a *Area) Release(filename string) error {
	if !ValidName(filename) {
		return fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	if err := os.Remove(a.path(filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %s: %w", filename, err)
	}
	a.logger.Debug().Str("filename", filename).Msg("staged copy released")
	return nil
}

// ServeFile writes the staged bytes of filename to w, zstd-compressed when
// the request accepts it.
func (a *Area) ServeFile(w http.ResponseWriter, r *http.Request, filename string) {
	if !ValidName(filename) {
		http.Error(w, ErrInvalidName.Error(), http.StatusBadRequest)
		return
	}
	f, err := os.Open(a.path(filename))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, ErrNotStaged.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "open staged file", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")

	if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
		if _, err := io.Copy(w, f); err != nil {
			a.logger.Warn().Err(err).Str("filename", filename).Msg("serve staged file")
		}
		return
	}

	w.Header().Set("Content-Encoding", "zstd")
	enc := a.encoderPool.Get().(*zstd.Encoder)
	defer a.encoderPool.Put(enc)
	enc.Reset(w)

	if _, err := io.Copy(enc, f); err != nil {
		a.logger.Warn().Err(err).Str("filename", filename).Msg("serve staged file")
		_ = enc.Close()
		return
	}
	if err := enc.Close(); err != nil {
		a.logger.Warn().Err(err).Str("filename", filename).Msg("flush compressed stream")
	}
}

func (a *Area) path(filename string) string {
	return filepath.Join(a.dir, filename)
}

// Fetch downloads a staged file from rawURL into w, decoding zstd when the
// server compressed it. It returns the number of decoded bytes written.
func Fetch(ctx context.Context, client *http.Client, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("fetch %s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.Header.Get("Content-Encoding") != "zstd" {
		return io.Copy(w, resp.Body)
	}

	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	n, err := io.Copy(w, dec)
	if err != nil {
		return n, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return n, nil
}

// Checksum returns the hex MD5 checksum of everything read from r.
func Checksum(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
