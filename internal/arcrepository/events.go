package arcrepository

import "time"

// Event is an inbound result delivered to the coordinator by the messaging
// layer. It is one of UploadResult, ChecksumBatchResult or
// DirectChecksumResult.
type Event interface {
	event()
}

// UploadResult reports whether a replica stored the bytes of a file.
type UploadResult struct {
	Filename  string
	ReplicaID string
	OK        bool
}

// ChecksumBatchResult is the report of a checksum batch job run on a
// bitstream replica. OK is false when the job itself failed.
type ChecksumBatchResult struct {
	CorrelationID string
	OK            bool
	Lines         []string
}

// DirectChecksumResult answers a single file checksum query.
type DirectChecksumResult struct {
	CorrelationID string
	OK            bool
	Checksum      string
}

func (UploadResult) event()         {}
func (ChecksumBatchResult) event()  {}
func (DirectChecksumResult) event() {}

// Outcome is the terminal answer to one store request.
type Outcome struct {
	Filename string
	OK       bool
	Reason   string
	Time     time.Time
}
