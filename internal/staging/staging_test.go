package staging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/netarchive/arcrepo/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArea(t *testing.T) *Area {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	a, err := NewArea(dir, "http://coord:7070/", zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("1-1-20240101.warc.gz"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName(".."))
	assert.False(t, ValidName("a/b"))
	assert.False(t, ValidName(`a\b`))
}

func TestArea_Stage(t *testing.T) {
	a := newTestArea(t)
	content := []byte("archived bytes")

	file, err := a.Stage("f1.warc", bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, "f1.warc", file.Name)
	assert.Equal(t, testutil.MD5(content), file.Checksum)
	assert.Equal(t, int64(len(content)), file.Size)
	assert.Equal(t, "http://coord:7070/api/v1/staging/f1.warc", file.URL)
	assert.True(t, a.Has("f1.warc"))

	_, err = a.Stage("../escape", bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestArea_StageTwice(t *testing.T) {
	a := newTestArea(t)

	first, err := a.Stage("f1.warc", strings.NewReader("same"))
	require.NoError(t, err)
	again, err := a.Stage("f1.warc", strings.NewReader("same"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = a.Stage("f1.warc", strings.NewReader("different"))
	assert.ErrorIs(t, err, ErrStagedConflict)

	// The staged copy is untouched.
	rec := httptest.NewRecorder()
	a.ServeFile(rec, httptest.NewRequest(http.MethodGet, "/api/v1/staging/f1.warc", nil), "f1.warc")
	assert.Equal(t, "same", rec.Body.String())
}

func TestArea_StageVerified(t *testing.T) {
	a := newTestArea(t)
	content := []byte("archived bytes")
	sum := testutil.MD5(content)

	_, err := a.StageVerified("f1.warc", "0123456789abcdef0123456789abcdef", bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, a.Has("f1.warc"))

	_, err = a.StageVerified("f1.warc", "", bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	file, err := a.StageVerified("f1.warc", strings.ToUpper(sum), bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, sum, file.Checksum)

	// A bad upload does not disturb the staged copy.
	_, err = a.StageVerified("f1.warc", sum, strings.NewReader("corrupted"))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, a.Has("f1.warc"))
}

func TestArea_Release(t *testing.T) {
	a := newTestArea(t)

	_, err := a.Stage("f1", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, a.Release("f1"))
	assert.False(t, a.Has("f1"))
	assert.NoError(t, a.Release("f1"), "releasing twice is harmless")
}

func TestServeAndFetch(t *testing.T) {
	a := newTestArea(t)
	content := bytes.Repeat([]byte("warc record "), 4096)

	_, err := a.Stage("f1", bytes.NewReader(content))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.ServeFile(w, r, strings.TrimPrefix(r.URL.Path, FilePath))
	}))
	defer server.Close()

	var buf bytes.Buffer
	n, err := Fetch(context.Background(), server.Client(), server.URL+FilePath+"f1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())

	_, err = Fetch(context.Background(), server.Client(), server.URL+FilePath+"missing", &buf)
	assert.Error(t, err)
}

func TestServeFile_Compressed(t *testing.T) {
	a := newTestArea(t)
	_, err := a.Stage("f1", strings.NewReader(strings.Repeat("a", 10000)))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, FilePath+"f1", nil)
	req.Header.Set("Accept-Encoding", "zstd")
	rec := httptest.NewRecorder()
	a.ServeFile(rec, req, "f1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))
	assert.Less(t, rec.Body.Len(), 10000)

	plain := httptest.NewRecorder()
	a.ServeFile(plain, httptest.NewRequest(http.MethodGet, FilePath+"f1", nil), "f1")
	assert.Empty(t, plain.Header().Get("Content-Encoding"))
	assert.Equal(t, 10000, plain.Body.Len())
}

func TestChecksum(t *testing.T) {
	sum, n, err := Checksum(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)
	assert.Equal(t, int64(0), n)
}
