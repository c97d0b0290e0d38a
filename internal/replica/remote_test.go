package replica

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	endpoint string
	msg      *protocol.Message
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockSender) Send(_ context.Context, endpoint string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{endpoint: endpoint, msg: msg})
	m.mu.Unlock()
	return nil
}

func (m *mockSender) last(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

func newClient(kind Kind, sender *mockSender) *RemoteClient {
	id := Identity{ID: "ONE", Kind: kind, Channel: "http://replica-one:7071"}
	return NewRemoteClient(id, sender, "http://coord:7070", zerolog.Nop())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Bitstream")
	require.NoError(t, err)
	assert.Equal(t, Bitstream, k)

	k, err = ParseKind("checksum")
	require.NoError(t, err)
	assert.Equal(t, Checksum, k)

	_, err = ParseKind("tape")
	assert.Error(t, err)
}

func TestRemoteClient_Upload(t *testing.T) {
	sender := &mockSender{}
	c := newClient(Bitstream, sender)

	file := File{Name: "f1", Checksum: "abc", Size: 3, URL: "http://coord:7070/api/v1/staging/f1"}
	require.NoError(t, c.Upload(context.Background(), file))

	sent := sender.last(t)
	assert.Equal(t, "http://replica-one:7071", sent.endpoint)
	assert.Equal(t, "http://coord:7070", sent.msg.From)

	payload, err := protocol.Decode[protocol.UploadPayload](sent.msg, protocol.MessageTypeUpload)
	require.NoError(t, err)
	assert.Equal(t, "f1", payload.Filename)
	assert.Equal(t, file.URL, payload.URL)
}

func TestRemoteClient_RequestChecksum_Bitstream(t *testing.T) {
	sender := &mockSender{}
	c := newClient(Bitstream, sender)

	require.NoError(t, c.RequestChecksum(context.Background(), "corr-1", "f1"))

	sent := sender.last(t)
	assert.Equal(t, "corr-1", sent.msg.ID)
	payload, err := protocol.Decode[protocol.BatchPayload](sent.msg, protocol.MessageTypeBatch)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChecksumJob, payload.Job)
	assert.Equal(t, "f1", payload.Filename)
}

func TestRemoteClient_RequestChecksum_Checksum(t *testing.T) {
	sender := &mockSender{}
	c := newClient(Checksum, sender)

	require.NoError(t, c.RequestChecksum(context.Background(), "corr-2", "f1"))

	sent := sender.last(t)
	assert.Equal(t, "corr-2", sent.msg.ID)
	assert.Equal(t, protocol.MessageTypeGetChecksum, sent.msg.Type)
}

func TestRemoteClient_ChecksumReplicaRejects(t *testing.T) {
	c := newClient(Checksum, &mockSender{})

	err := c.RunBatch(context.Background(), "corr-3", protocol.BatchPayload{Job: protocol.ChecksumJob})
	assert.ErrorIs(t, err, ErrNotSupported)

	err = c.RemoveAndGet(context.Background(), "corr-4", "f1", "bad", "creds")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestRemoteClient_UploadMintsIDs(t *testing.T) {
	sender := &mockSender{}
	c := newClient(Bitstream, sender)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Upload(context.Background(), File{Name: "f1"}))
		id := sender.last(t).msg.ID
		assert.NotEmpty(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestRemoteClient_SendError(t *testing.T) {
	sendErr := errors.New("connection refused")
	c := newClient(Bitstream, &mockSender{err: sendErr})

	assert.ErrorIs(t, c.RequestAllChecksums(context.Background(), "corr-5"), sendErr)
	assert.ErrorIs(t, c.Upload(context.Background(), File{Name: "f1"}), sendErr)
}

func TestRemoteClient_Close(t *testing.T) {
	c := newClient(Bitstream, &mockSender{})
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.RequestChecksum(context.Background(), "corr-6", "f1"), ErrClosed)
}
