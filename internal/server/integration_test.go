package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/netarchive/arcrepo/internal/replica/node"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/internal/transport"
	"github.com/netarchive/arcrepo/pkg/proto"
	"github.com/netarchive/arcrepo/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	meshToken     = "mesh-token"
	removalSecret = "removal-secret"
)

// startNode runs a replica node behind an httptest server.
func startNode(t *testing.T, dir, id string, kind replica.Kind) string {
	t.Helper()
	tr := transport.New(transport.Config{AuthToken: meshToken, Logger: zerolog.Nop()})
	n, err := node.New(node.Config{
		ID:      id,
		Kind:    kind,
		DataDir: filepath.Join(dir, id),
		Sender:  tr,
		Issuer:  auth.NewIssuer(removalSecret),
		Workers: 2,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	tr.RegisterHandler(n.HandleMessage)
	n.Start()

	srv := httptest.NewServer(n.Router(tr))
	t.Cleanup(func() {
		srv.Close()
		_ = n.Close()
	})
	return srv.URL
}

type cluster struct {
	url   string
	srv   *Server
	coord *arcrepository.Coordinator
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	var handler http.Handler = http.NotFoundHandler()
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(hs.Close)

	oneURL := startNode(t, dir, "ONE", replica.Bitstream)
	twoURL := startNode(t, dir, "TWO", replica.Checksum)

	tr := transport.New(transport.Config{AuthToken: meshToken, Logger: zerolog.Nop(), Exempt: protocol.IsReply})
	clients := []replica.Client{
		replica.NewRemoteClient(replica.Identity{ID: "ONE", Kind: replica.Bitstream, Channel: oneURL}, tr, hs.URL, zerolog.Nop()),
		replica.NewRemoteClient(replica.Identity{ID: "TWO", Kind: replica.Checksum, Channel: twoURL}, tr, hs.URL, zerolog.Nop()),
	}

	store, err := adminstore.NewBoltStore(filepath.Join(dir, "admin.db"))
	require.NoError(t, err)
	area, err := staging.NewArea(filepath.Join(dir, "staging"), hs.URL, zerolog.Nop())
	require.NoError(t, err)
	hub := NewHub(zerolog.Nop())

	coord, err := arcrepository.New(arcrepository.Config{
		Replicas:     clients,
		Store:        store,
		Logger:       zerolog.Nop(),
		MaxRetries:   1,
		Releaser:     area,
		OnOutcome:    hub.Publish,
		Issuer:       auth.NewIssuer(removalSecret),
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	tr.RegisterHandler(coord.HandleMessage)

	srv, err := New(Config{
		AuthToken:  authToken,
		AdminToken: adminToken,
		Repository: coord,
		Staging:    area,
		Messages:   tr,
		Hub:        hub,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	handler = srv
	t.Cleanup(func() { _ = coord.Close() })

	return &cluster{url: hs.URL, srv: srv, coord: coord}
}

func (c *cluster) request(t *testing.T, method, path, token string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, c.url+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *cluster) store(t *testing.T, filename, content string) *http.Response {
	t.Helper()
	return c.request(t, http.MethodPut, "/api/v1/files/"+filename, authToken, []byte(content),
		map[string]string{proto.ChecksumHeader: testutil.MD5([]byte(content))})
}

func TestIntegration_StoreOnAllReplicas(t *testing.T) {
	c := startCluster(t)

	wsURL := "ws" + strings.TrimPrefix(c.url, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + authToken}})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	testutil.Eventually(t, 5*time.Second, func() bool { return c.srv.Hub().Count() == 1 }, "subscriber registered")

	content := "WARC/1.0 archived record"
	resp := c.store(t, "f1.warc", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[proto.StoreResponse](t, resp)
	assert.True(t, out.OK, out.Error)

	// Both replicas reached UPLOAD_COMPLETED.
	resp = c.request(t, http.MethodGet, "/api/v1/files/f1.warc", authToken, nil, nil)
	view := decode[proto.FileRecordView](t, resp)
	assert.Equal(t, testutil.MD5([]byte(content)), view.Checksum)
	assert.Equal(t, "UPLOAD_COMPLETED", view.State("ONE"))
	assert.Equal(t, "UPLOAD_COMPLETED", view.State("TWO"))

	// The outcome was published on the feed.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var outcome proto.StoreOutcome
	require.NoError(t, json.Unmarshal(data, &outcome))
	assert.Equal(t, "f1.warc", outcome.Filename)
	assert.True(t, outcome.OK)

	// The staged copy is released once the store is decided.
	resp = c.request(t, http.MethodGet, "/api/v1/staging/f1.warc", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Storing the same file again succeeds without changes.
	resp = c.store(t, "f1.warc", content)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A different file under the same name is a checksum conflict.
	resp = c.store(t, "f1.warc", "other bytes")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIntegration_ReplicaQueriesAndRemoval(t *testing.T) {
	c := startCluster(t)

	content := "WARC/1.0 another record"
	resp := c.store(t, "f2.warc", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := testutil.MD5([]byte(content))

	resp = c.request(t, http.MethodGet, "/api/v1/admin/replicas/ONE/filenames", adminToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"f2.warc"}, decode[proto.FilenamesResponse](t, resp).Filenames)

	resp = c.request(t, http.MethodGet, "/api/v1/admin/replicas/TWO/checksums", adminToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{protocol.FormatChecksumLine("f2.warc", sum)},
		decode[proto.ChecksumsResponse](t, resp).Checksums)

	// The copy with the expected checksum is never removed.
	body, _ := json.Marshal(proto.RemoveRequest{Replica: "ONE", Checksum: sum})
	resp = c.request(t, http.MethodPost, "/api/v1/admin/files/f2.warc/remove", adminToken, body, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// After the operator records a different expected checksum, the old copy
	// counts as corrupt and can be taken out.
	body, _ = json.Marshal(proto.AdminUpdateRequest{Checksum: strings.Repeat("0", 32)})
	resp = c.request(t, http.MethodPost, "/api/v1/admin/files/f2.warc", adminToken, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ = json.Marshal(proto.RemoveRequest{Replica: "ONE", Checksum: sum})
	resp = c.request(t, http.MethodPost, "/api/v1/admin/files/f2.warc/remove", adminToken, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte(content), decode[proto.RemoveResponse](t, resp).Data)

	resp = c.request(t, http.MethodGet, "/api/v1/admin/replicas/ONE/filenames", adminToken, nil, nil)
	assert.Empty(t, decode[proto.FilenamesResponse](t, resp).Filenames)

	// The checksum replica cannot remove files.
	body, _ = json.Marshal(proto.RemoveRequest{Replica: "TWO", Checksum: sum})
	resp = c.request(t, http.MethodPost, "/api/v1/admin/files/f2.warc/remove", adminToken, body, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
