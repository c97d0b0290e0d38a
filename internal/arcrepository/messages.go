package arcrepository

import (
	"fmt"

	"github.com/netarchive/arcrepo/internal/protocol"
)

// HandleMessage decodes a replica message and dispatches it. It is
// registered as the transport's inbound handler; from is the remote address
// and only used for logging, the replica is named by the message itself.
func (c *Coordinator) HandleMessage(from string, data []byte) error {
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		c.logger.Error().Err(err).Str("from", from).Msg("Failed to unmarshal message")
		return err
	}

	c.metrics.InboundMessages.WithLabelValues(string(msg.Type)).Inc()

	c.logger.Debug().
		Str("type", string(msg.Type)).
		Str("from", from).
		Str("replica", msg.From).
		Str("reply_of", msg.ReplyOf).
		Msg("Received message")

	switch msg.Type {
	case protocol.MessageTypeUploadReply:
		p, err := protocol.Decode[protocol.UploadReplyPayload](msg, msg.Type)
		if err != nil {
			return err
		}
		if !p.OK && p.Error != "" {
			c.logger.Warn().Str("filename", p.Filename).Str("replica", msg.From).Str("error", p.Error).Msg("Replica rejected upload")
		}
		c.Handle(UploadResult{Filename: p.Filename, ReplicaID: msg.From, OK: p.OK})

	case protocol.MessageTypeBatchReply:
		p, err := protocol.Decode[protocol.BatchReplyPayload](msg, msg.Type)
		if err != nil {
			return err
		}
		if p.Error != "" {
			c.logger.Warn().Str("replica", msg.From).Str("error", p.Error).Msg("Batch job reported errors")
		}
		c.Handle(ChecksumBatchResult{CorrelationID: msg.ReplyOf, OK: p.OK, Lines: p.Lines})

	case protocol.MessageTypeGetChecksumReply:
		p, err := protocol.Decode[protocol.GetChecksumReplyPayload](msg, msg.Type)
		if err != nil {
			return err
		}
		c.Handle(DirectChecksumResult{CorrelationID: msg.ReplyOf, OK: p.OK, Checksum: p.Checksum})

	case protocol.MessageTypeGetAllChecksumsReply,
		protocol.MessageTypeGetAllFilenamesReply,
		protocol.MessageTypeRemoveAndGetReply:
		c.resolveQuery(msg)

	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		return fmt.Errorf("unexpected message type: %s", msg.Type)
	}

	return nil
}
