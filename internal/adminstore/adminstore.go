// Package adminstore keeps the durable admin record of every file the
// repository has been asked to store: its expected checksum and the store
// state reached on each replica.
package adminstore

import (
	"errors"
	"fmt"
	"time"
)

// Admin store errors.
var (
	ErrUnknownEntry    = errors.New("unknown entry")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid store state")
)

// StoreState is the progress of one file on one replica.
type StoreState string

const (
	// UploadStarted means an upload (or a checksum request standing in for one)
	// is in flight and may still succeed.
	UploadStarted StoreState = "UPLOAD_STARTED"
	// UploadFailed is terminal until a new store attempt retries the replica.
	UploadFailed StoreState = "UPLOAD_FAILED"
	// DataUploaded means the replica acknowledged the bytes, but no checksum
	// has confirmed them yet.
	DataUploaded StoreState = "DATA_UPLOADED"
	// UploadCompleted is the only success state.
	UploadCompleted StoreState = "UPLOAD_COMPLETED"
)

// Valid reports whether s is one of the known states.
func (s StoreState) Valid() bool {
	switch s {
	case UploadStarted, UploadFailed, DataUploaded, UploadCompleted:
		return true
	}
	return false
}

func (s StoreState) String() string { return string(s) }

// ParseStoreState converts a state name into a StoreState.
func ParseStoreState(s string) (StoreState, error) {
	st := StoreState(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

// ReplicaState is the recorded state of a file on one replica.
type ReplicaState struct {
	State   StoreState `json:"state"`
	Changed time.Time  `json:"changed"`
}

// FileRecord is the admin entry for one file.
type FileRecord struct {
	Filename string                  `json:"filename"`
	Checksum string                  `json:"checksum"`
	Replicas map[string]ReplicaState `json:"replicas"`
	Created  time.Time               `json:"created"`
}

// HasState reports whether any replica of the record is in state st.
func (r *FileRecord) HasState(st StoreState) bool {
	for _, rs := range r.Replicas {
		if rs.State == st {
			return true
		}
	}
	return false
}

// ReplyToken is the handle of a caller waiting for the outcome of a store.
// Tokens are held in memory only: after a restart no reply is pending.
type ReplyToken interface {
	Reply(ok bool, reason string)
}

// Store is the admin data store consumed by the coordinator.
// Implementations must be safe for concurrent use.
type Store interface {
	// HasEntry reports whether a record exists for filename.
	HasEntry(filename string) (bool, error)
	// AddEntry creates the record with its expected checksum and pending reply.
	AddEntry(filename string, token ReplyToken, checksum string) error
	// Checksum returns the expected checksum of filename.
	Checksum(filename string) (checksum string, found bool, err error)
	// SetChecksum overrides the expected checksum.
	SetChecksum(filename, checksum string) error
	// State returns the state of filename on replicaID. found is false when no
	// upload has been attempted on that replica.
	State(filename, replicaID string) (state StoreState, found bool, err error)
	// SetState records the state of filename on replicaID.
	SetState(filename, replicaID string, state StoreState) error
	// HasReplyInfo reports whether a caller is waiting on filename.
	HasReplyInfo(filename string) bool
	// SetReplyInfo replaces the pending reply of filename.
	SetReplyInfo(filename string, token ReplyToken) error
	// RemoveReplyInfo takes the pending reply of filename, if any.
	RemoveReplyInfo(filename string) (ReplyToken, bool)
	// Record returns a copy of the full record.
	Record(filename string) (*FileRecord, bool, error)
	// List returns records with at least one replica in state; an empty
	// state lists every record.
	List(state StoreState) ([]*FileRecord, error)
	// Close releases the store.
	Close() error
}
