// Package protocol defines the messages exchanged between the repository
// coordinator and its replicas.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the current replica protocol version.
const ProtocolVersion = 1

// ChecksumSeparator separates filename and checksum in checksum report lines.
const ChecksumSeparator = "##"

// ChecksumJob is the only batch job replicas run on behalf of the coordinator.
const ChecksumJob = "checksum"

// MessageType identifies the type of a replica message.
type MessageType string

const (
	// MessageTypeUpload asks a replica to fetch and store a file
	MessageTypeUpload MessageType = "upload"
	// MessageTypeUploadReply reports the outcome of an upload
	MessageTypeUploadReply MessageType = "upload_reply"

	// MessageTypeGetChecksum asks a checksum replica for the checksum of one file
	MessageTypeGetChecksum MessageType = "get_checksum"
	// MessageTypeGetChecksumReply answers MessageTypeGetChecksum
	MessageTypeGetChecksumReply MessageType = "get_checksum_reply"

	// MessageTypeBatch runs a batch job over a bitstream replica's files
	MessageTypeBatch MessageType = "batch"
	// MessageTypeBatchReply carries the line oriented batch job output
	MessageTypeBatchReply MessageType = "batch_reply"

	// MessageTypeGetAllChecksums asks for the checksum of every file on a replica
	MessageTypeGetAllChecksums MessageType = "get_all_checksums"
	// MessageTypeGetAllChecksumsReply answers MessageTypeGetAllChecksums
	MessageTypeGetAllChecksumsReply MessageType = "get_all_checksums_reply"

	// MessageTypeGetAllFilenames asks for the name of every file on a replica
	MessageTypeGetAllFilenames MessageType = "get_all_filenames"
	// MessageTypeGetAllFilenamesReply answers MessageTypeGetAllFilenames
	MessageTypeGetAllFilenamesReply MessageType = "get_all_filenames_reply"

	// MessageTypeRemoveAndGet removes a bad copy from a replica and returns it
	MessageTypeRemoveAndGet MessageType = "remove_and_get"
	// MessageTypeRemoveAndGetReply answers MessageTypeRemoveAndGet
	MessageTypeRemoveAndGetReply MessageType = "remove_and_get_reply"
)

// Message is the envelope for all replica protocol messages.
type Message struct {
	Version int             `json:"version"`            // Protocol version for compatibility checking
	Type    MessageType     `json:"type"`               //
	ID      string          `json:"id"`                 // Correlation id of this message
	ReplyOf string          `json:"reply_of,omitempty"` // Correlation id of the request being answered
	From    string          `json:"from"`               // Callback URL (coordinator) or replica id (replica)
	Payload json.RawMessage `json:"payload"`
}

// UploadPayload asks a replica to store a file fetched from URL.
type UploadPayload struct {
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// UploadReplyPayload reports an upload outcome.
type UploadReplyPayload struct {
	Filename string `json:"filename"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// GetChecksumPayload asks for the checksum of one file.
type GetChecksumPayload struct {
	Filename string `json:"filename"`
}

// GetChecksumReplyPayload carries a single checksum. An empty checksum with
// OK set means the replica does not hold the file.
type GetChecksumReplyPayload struct {
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// BatchPayload describes a batch job. Filename restricts the job to one
// file; empty runs it over every file.
type BatchPayload struct {
	Job      string `json:"job"`
	Filename string `json:"filename,omitempty"`
}

// BatchReplyPayload carries batch job output lines.
type BatchReplyPayload struct {
	OK             bool     `json:"ok"`
	Error          string   `json:"error,omitempty"`
	Lines          []string `json:"lines"`
	FilesProcessed int      `json:"files_processed"`
	FilesFailed    []string `json:"files_failed,omitempty"`
}

// GetAllChecksumsReplyPayload carries "filename##checksum" lines for a replica.
type GetAllChecksumsReplyPayload struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Lines []string `json:"lines"`
}

// GetAllFilenamesReplyPayload lists the files held by a replica.
type GetAllFilenamesReplyPayload struct {
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Filenames []string `json:"filenames"`
}

// RemoveAndGetPayload asks a replica to remove its copy of a file and
// return it. Credentials is a signed token binding filename and checksum.
type RemoveAndGetPayload struct {
	Filename    string `json:"filename"`
	Checksum    string `json:"checksum"`
	Credentials string `json:"credentials"`
}

// RemoveAndGetReplyPayload returns the removed copy.
type RemoveAndGetReplyPayload struct {
	Filename string `json:"filename"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// NewMessage creates a request message with the given payload. A nil
// payload is encoded as an empty object.
func NewMessage(typ MessageType, id, from string, payload any) (*Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	return &Message{
		Version: ProtocolVersion,
		Type:    typ,
		ID:      id,
		From:    from,
		Payload: data,
	}, nil
}

// NewReply creates a reply to req. The reply's ReplyOf is req's ID.
func NewReply(req *Message, typ MessageType, id, from string, payload any) (*Message, error) {
	msg, err := NewMessage(typ, id, from, payload)
	if err != nil {
		return nil, err
	}
	msg.ReplyOf = req.ID
	return msg, nil
}

// IsReply reports whether data is an encoded message answering a request.
// Undecodable data is not a reply.
func IsReply(data []byte) bool {
	var env struct {
		ReplyOf string `json:"reply_of"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.ReplyOf != ""
}

// Decode unmarshals the payload of m into T after checking its type.
func Decode[T any](m *Message, typ MessageType) (*T, error) {
	if m.Type != typ {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, typ)
	}

	var payload T
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", typ, err)
	}

	return &payload, nil
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}

	return &msg, nil
}

// FormatChecksumLine renders one line of a checksum report.
func FormatChecksumLine(filename, checksum string) string {
	return filename + ChecksumSeparator + checksum
}

// SplitChecksumLine splits a checksum report line into its fields.
func SplitChecksumLine(line string) []string {
	return strings.Split(line, ChecksumSeparator)
}
