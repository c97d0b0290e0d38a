package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileRecordView(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &adminstore.FileRecord{
		Filename: "f1.warc",
		Checksum: "abc",
		Created:  now,
		Replicas: map[string]adminstore.ReplicaState{
			"TWO": {State: adminstore.UploadFailed, Changed: now},
			"ONE": {State: adminstore.UploadCompleted, Changed: now},
		},
	}

	v := NewFileRecordView(rec)
	assert.Equal(t, "f1.warc", v.Filename)
	assert.Equal(t, "abc", v.Checksum)
	require.Len(t, v.Replicas, 2)
	assert.Equal(t, "ONE", v.Replicas[0].Replica)
	assert.Equal(t, "TWO", v.Replicas[1].Replica)

	assert.Equal(t, "UPLOAD_COMPLETED", v.State("ONE"))
	assert.Equal(t, "UPLOAD_FAILED", v.State("TWO"))
	assert.Empty(t, v.State("THREE"))
}

func TestNewFileRecordView_NoReplicas(t *testing.T) {
	v := NewFileRecordView(&adminstore.FileRecord{Filename: "f1.warc"})
	assert.NotNil(t, v.Replicas)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"replicas":[]`)
}

func TestStoreResponse_OmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(StoreResponse{Filename: "f1.warc", OK: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"f1.warc","ok":true}`, string(data))
}

func TestRemoveResponse_DataIsBase64(t *testing.T) {
	data, err := json.Marshal(RemoveResponse{Filename: "f", Replica: "ONE", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":"aGk="`)
}
