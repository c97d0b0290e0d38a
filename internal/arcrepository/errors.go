package arcrepository

import (
	"errors"

	"github.com/netarchive/arcrepo/internal/adminstore"
)

var (
	// ErrChecksumConflict is returned when a file is stored again with a
	// checksum that differs from the recorded one.
	ErrChecksumConflict = errors.New("checksum conflict")
	// ErrAmbiguousChecksum is returned when a checksum report lists different
	// checksums for the same file.
	ErrAmbiguousChecksum = errors.New("ambiguous checksum")
	// ErrMalformedChecksumReport is returned when a checksum report line is
	// not "filename##checksum".
	ErrMalformedChecksumReport = errors.New("malformed checksum report")
	// ErrUnknownReplica is returned for replica ids that are not configured.
	ErrUnknownReplica = errors.New("unknown replica")
	// ErrUnknownState is returned when no state is recorded for a file on a replica.
	ErrUnknownState = errors.New("unknown state")
	// ErrCorrectChecksum is returned when asked to remove a copy whose
	// checksum is the expected one.
	ErrCorrectChecksum = errors.New("refusing to remove file with correct checksum")
	// ErrQueryFailed is returned when a replica answers a query not ok.
	ErrQueryFailed = errors.New("replica query failed")
	// ErrClosed is returned by a coordinator after Close.
	ErrClosed = errors.New("coordinator closed")

	// ErrUnknownEntry and ErrInvalidArgument are shared with the admin store.
	ErrUnknownEntry    = adminstore.ErrUnknownEntry
	ErrInvalidArgument = adminstore.ErrInvalidArgument
)
