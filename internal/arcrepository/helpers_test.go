package arcrepository

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockStore is an in-memory adminstore.Store.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*adminstore.FileRecord
	replies map[string]adminstore.ReplyToken
	closed  bool
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[string]*adminstore.FileRecord),
		replies: make(map[string]adminstore.ReplyToken),
	}
}

func (m *mockStore) HasEntry(filename string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[filename]
	return ok, nil
}

func (m *mockStore) AddEntry(filename string, token adminstore.ReplyToken, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[filename] = &adminstore.FileRecord{
		Filename: filename,
		Checksum: checksum,
		Replicas: make(map[string]adminstore.ReplicaState),
	}
	if token != nil {
		m.replies[filename] = token
	}
	return nil
}

func (m *mockStore) Checksum(filename string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[filename]
	if !ok {
		return "", false, nil
	}
	return rec.Checksum, true, nil
}

func (m *mockStore) SetChecksum(filename, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[filename]
	if !ok {
		return adminstore.ErrUnknownEntry
	}
	rec.Checksum = checksum
	return nil
}

func (m *mockStore) State(filename, replicaID string) (adminstore.StoreState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[filename]
	if !ok {
		return "", false, nil
	}
	rs, ok := rec.Replicas[replicaID]
	return rs.State, ok, nil
}

func (m *mockStore) SetState(filename, replicaID string, state adminstore.StoreState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[filename]
	if !ok {
		return adminstore.ErrUnknownEntry
	}
	rec.Replicas[replicaID] = adminstore.ReplicaState{State: state, Changed: time.Now()}
	return nil
}

func (m *mockStore) HasReplyInfo(filename string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.replies[filename]
	return ok
}

func (m *mockStore) SetReplyInfo(filename string, token adminstore.ReplyToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[filename]; !ok {
		return adminstore.ErrUnknownEntry
	}
	m.replies[filename] = token
	return nil
}

func (m *mockStore) RemoveReplyInfo(filename string) (adminstore.ReplyToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.replies[filename]
	delete(m.replies, filename)
	return token, ok
}

func (m *mockStore) Record(filename string) (*adminstore.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[filename]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	cp.Replicas = make(map[string]adminstore.ReplicaState, len(rec.Replicas))
	for k, v := range rec.Replicas {
		cp.Replicas[k] = v
	}
	return &cp, true, nil
}

func (m *mockStore) List(state adminstore.StoreState) ([]*adminstore.FileRecord, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	for name, rec := range m.records {
		if state == "" || rec.HasState(state) {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(names)
	out := make([]*adminstore.FileRecord, 0, len(names))
	for _, name := range names {
		rec, _, _ := m.Record(name)
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) state(filename, replicaID string) adminstore.StoreState {
	st, _, _ := m.State(filename, replicaID)
	return st
}

// checksumRequest is one RequestChecksum call seen by a mockClient.
type checksumRequest struct {
	id       string
	filename string
}

// mockClient records every request sent to a replica.
type mockClient struct {
	identity replica.Identity

	mu           sync.Mutex
	uploads      []replica.File
	checksumReqs []checksumRequest
	queries      []string
	removals     []protocol.RemoveAndGetPayload
	closed       bool

	uploadErr   error
	checksumErr error

	// respond, when set, is called asynchronously with the correlation id
	// of every query.
	respond func(id string)
}

func newMockClient(id string, kind replica.Kind) *mockClient {
	return &mockClient{identity: replica.Identity{ID: id, Kind: kind, Channel: "http://" + id}}
}

func (m *mockClient) Identity() replica.Identity { return m.identity }

func (m *mockClient) Upload(_ context.Context, file replica.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploads = append(m.uploads, file)
	return nil
}

func (m *mockClient) RequestChecksum(_ context.Context, id, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checksumErr != nil {
		return m.checksumErr
	}
	m.checksumReqs = append(m.checksumReqs, checksumRequest{id: id, filename: filename})
	return nil
}

func (m *mockClient) RequestAllChecksums(_ context.Context, id string) error {
	return m.query(id)
}

func (m *mockClient) RequestAllFilenames(_ context.Context, id string) error {
	return m.query(id)
}

func (m *mockClient) RemoveAndGet(_ context.Context, id, filename, checksum, credentials string) error {
	m.mu.Lock()
	m.removals = append(m.removals, protocol.RemoveAndGetPayload{Filename: filename, Checksum: checksum, Credentials: credentials})
	m.mu.Unlock()
	return m.query(id)
}

func (m *mockClient) RunBatch(_ context.Context, id string, _ protocol.BatchPayload) error {
	if m.identity.Kind != replica.Bitstream {
		return replica.ErrNotSupported
	}
	return m.query(id)
}

func (m *mockClient) query(id string) error {
	m.mu.Lock()
	m.queries = append(m.queries, id)
	respond := m.respond
	m.mu.Unlock()
	if respond != nil {
		go respond(id)
	}
	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockClient) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *mockClient) checksumCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checksumReqs)
}

// lastChecksumID returns the correlation id of the latest checksum request.
func (m *mockClient) lastChecksumID(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.checksumReqs, "no checksum request sent to %s", m.identity.ID)
	return m.checksumReqs[len(m.checksumReqs)-1].id
}

// checksumIDFor returns the correlation id of the latest checksum request
// about filename.
func (m *mockClient) checksumIDFor(t *testing.T, filename string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.checksumReqs) - 1; i >= 0; i-- {
		if m.checksumReqs[i].filename == filename {
			return m.checksumReqs[i].id
		}
	}
	require.FailNow(t, "no checksum request", "file %s on %s", filename, m.identity.ID)
	return ""
}

func (m *mockClient) queryIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

// recordingToken records every reply it receives.
type recordingToken struct {
	mu      sync.Mutex
	replies []Reply
}

func (r *recordingToken) Reply(ok bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, Reply{OK: ok, Reason: reason})
}

func (r *recordingToken) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func (r *recordingToken) last(t *testing.T) Reply {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.replies, "no reply sent")
	return r.replies[len(r.replies)-1]
}

// mockReleaser records released files.
type mockReleaser struct {
	mu       sync.Mutex
	released []string
}

func (m *mockReleaser) Release(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, filename)
	return nil
}

type testEnv struct {
	coord    *Coordinator
	store    *mockStore
	one      *mockClient // bitstream
	two      *mockClient // checksum
	releaser *mockReleaser

	outcomesMu sync.Mutex
	outcomes   []Outcome
}

func (e *testEnv) outcomeCount() int {
	e.outcomesMu.Lock()
	defer e.outcomesMu.Unlock()
	return len(e.outcomes)
}

func newTestEnv(t *testing.T, maxRetries int) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newMockStore(),
		one:      newMockClient("ONE", replica.Bitstream),
		two:      newMockClient("TWO", replica.Checksum),
		releaser: &mockReleaser{},
	}

	coord, err := New(Config{
		Replicas:     []replica.Client{env.one, env.two},
		Store:        env.store,
		Logger:       zerolog.Nop(),
		MaxRetries:   maxRetries,
		Releaser:     env.releaser,
		Issuer:       auth.NewIssuer("test-secret"),
		QueryTimeout: 2 * time.Second,
		OnOutcome: func(o Outcome) {
			env.outcomesMu.Lock()
			env.outcomes = append(env.outcomes, o)
			env.outcomesMu.Unlock()
		},
	})
	require.NoError(t, err)
	env.coord = coord
	return env
}

// confirm delivers a checksum reply for filename from the replica the way
// its kind answers: a batch report from bitstream replicas, a direct answer
// from checksum replicas.
func (e *testEnv) confirm(t *testing.T, client *mockClient, filename, checksum string) {
	t.Helper()
	id := client.checksumIDFor(t, filename)
	if client.identity.Kind == replica.Bitstream {
		var lines []string
		if checksum != "" {
			lines = []string{protocol.FormatChecksumLine(filename, checksum)}
		}
		e.coord.Handle(ChecksumBatchResult{CorrelationID: id, OK: true, Lines: lines})
		return
	}
	e.coord.Handle(DirectChecksumResult{CorrelationID: id, OK: true, Checksum: checksum})
}

// messageBytes encodes a replica message answering replyOf.
func messageBytes(t *testing.T, typ protocol.MessageType, from, replyOf string, payload any) []byte {
	t.Helper()
	msg, err := protocol.NewMessage(typ, uuid.NewString(), from, payload)
	require.NoError(t, err)
	msg.ReplyOf = replyOf
	data, err := msg.Marshal()
	require.NoError(t, err)
	return data
}

const (
	testFile = "1-1-20240101000000-00000-arcrepo.warc.gz"
	testSum  = "d8e8fca2dc0f896fd7cb4cb0031ba249"
)

func testRemoteFile() replica.File {
	return replica.File{Name: testFile, Checksum: testSum, Size: 5, URL: "http://coord/api/v1/staging/" + testFile}
}
