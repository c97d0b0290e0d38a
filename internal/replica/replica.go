// Package replica describes the replicas a file is stored to and the client
// the coordinator uses to talk to them.
package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/netarchive/arcrepo/internal/protocol"
)

var (
	// ErrNotSupported is returned for operations a replica kind cannot run.
	ErrNotSupported = errors.New("operation not supported by replica")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("replica client closed")
)

// Kind is the kind of archive behind a replica.
type Kind string

const (
	// Bitstream replicas store the full bytes of every file. Checksums are
	// obtained by running a batch job over the archive.
	Bitstream Kind = "bitstream"
	// Checksum replicas store only checksums and answer single file queries.
	Checksum Kind = "checksum"
)

// ParseKind converts a configured kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Bitstream, Checksum:
		return k, nil
	}
	return "", fmt.Errorf("unknown replica kind %q", s)
}

// Identity identifies a configured replica. The set of identities is fixed
// for the lifetime of the process.
type Identity struct {
	ID      string
	Kind    Kind
	Channel string // Endpoint URL of the replica node
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%s)", id.ID, id.Kind)
}

// File is the handle of a file waiting to be replicated. Replicas fetch the
// bytes from URL.
type File struct {
	Name     string
	Checksum string
	Size     int64
	URL      string
}

// Client sends requests to one replica. Every request is fire and forget:
// results come back later as inbound messages whose reply_of carries the
// correlation id passed by the caller. Callers register the id before
// sending so that a fast reply is never mistaken for an unknown one.
// Implementations must be safe for concurrent use.
type Client interface {
	Identity() Identity

	// Upload asks the replica to store file. The result arrives as an
	// upload reply naming the file.
	Upload(ctx context.Context, file File) error
	// RequestChecksum asks for the checksum of one file. Bitstream replicas
	// answer with a checksum batch report, checksum replicas directly.
	RequestChecksum(ctx context.Context, id, filename string) error
	RequestAllChecksums(ctx context.Context, id string) error
	RequestAllFilenames(ctx context.Context, id string) error
	RemoveAndGet(ctx context.Context, id, filename, checksum, credentials string) error
	// RunBatch runs a batch job. Checksum replicas return ErrNotSupported.
	RunBatch(ctx context.Context, id string, job protocol.BatchPayload) error

	Close() error
}
