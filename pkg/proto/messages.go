// Package proto defines the JSON request and response types of the arcrepo
// HTTP API.
package proto

import (
	"sort"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
)

// ChecksumHeader carries the declared MD5 of a file on store requests.
const ChecksumHeader = "X-Checksum"

// StoreResponse is the answer to a store request.
type StoreResponse struct {
	Filename string `json:"filename"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// StoreOutcome is published on the outcome feed for every decided store.
type StoreOutcome struct {
	Filename string    `json:"filename"`
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// ReplicaStateView is the state of a file on one replica.
type ReplicaStateView struct {
	Replica string    `json:"replica"`
	State   string    `json:"state"`
	Changed time.Time `json:"changed"`
}

// FileRecordView is the admin record of a file.
type FileRecordView struct {
	Filename string             `json:"filename"`
	Checksum string             `json:"checksum"`
	Created  time.Time          `json:"created"`
	Replicas []ReplicaStateView `json:"replicas"`
}

// FileListResponse lists admin records.
type FileListResponse struct {
	Files []FileRecordView `json:"files"`
}

// AdminUpdateRequest corrects the admin data of a file. Replica and State
// go together; Checksum may be given alone.
type AdminUpdateRequest struct {
	Replica  string `json:"replica,omitempty"`
	State    string `json:"state,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// RemoveRequest asks a replica to give up a copy with a wrong checksum.
type RemoveRequest struct {
	Replica  string `json:"replica"`
	Checksum string `json:"checksum"`
}

// RemoveResponse carries the bytes of the removed copy.
type RemoveResponse struct {
	Filename string `json:"filename"`
	Replica  string `json:"replica"`
	Data     []byte `json:"data"`
}

// ChecksumsResponse lists the checksum report lines of a replica.
type ChecksumsResponse struct {
	Replica   string   `json:"replica"`
	Checksums []string `json:"checksums"`
}

// FilenamesResponse lists the files held by a replica.
type FilenamesResponse struct {
	Replica   string   `json:"replica"`
	Filenames []string `json:"filenames"`
}

// ReplicaInfo describes a configured replica.
type ReplicaInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Channel string `json:"channel"`
}

// ReplicaListResponse lists the configured replicas.
type ReplicaListResponse struct {
	Replicas []ReplicaInfo `json:"replicas"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewFileRecordView converts an admin record. Replicas are ordered by id.
func NewFileRecordView(rec *adminstore.FileRecord) FileRecordView {
	v := FileRecordView{
		Filename: rec.Filename,
		Checksum: rec.Checksum,
		Created:  rec.Created,
		Replicas: make([]ReplicaStateView, 0, len(rec.Replicas)),
	}
	for id, rs := range rec.Replicas {
		v.Replicas = append(v.Replicas, ReplicaStateView{
			Replica: id,
			State:   rs.State.String(),
			Changed: rs.Changed,
		})
	}
	sort.Slice(v.Replicas, func(i, j int) bool {
		return v.Replicas[i].Replica < v.Replicas[j].Replica
	})
	return v
}

// State returns the state recorded for replica, or "" when there is none.
func (v FileRecordView) State(replica string) string {
	for _, rs := range v.Replicas {
		if rs.Replica == replica {
			return rs.State
		}
	}
	return ""
}
