package replica

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/transport"
	"github.com/rs/zerolog"
)

// RemoteClient is a Client that sends protocol messages to a replica node.
// Replies are addressed to callbackURL.
type RemoteClient struct {
	identity    Identity
	sender      transport.Sender
	callbackURL string
	closed      atomic.Bool
	logger      zerolog.Logger
}

// NewRemoteClient creates a client for the replica identified by identity.
func NewRemoteClient(identity Identity, sender transport.Sender, callbackURL string, logger zerolog.Logger) *RemoteClient {
	return &RemoteClient{
		identity:    identity,
		sender:      sender,
		callbackURL: callbackURL,
		logger: logger.With().
			Str("component", "replica-client").
			Str("replica", identity.ID).
			Logger(),
	}
}

func (c *RemoteClient) Identity() Identity { return c.identity }

func (c *RemoteClient) Upload(ctx context.Context, file File) error {
	return c.send(ctx, uuid.NewString(), protocol.MessageTypeUpload, protocol.UploadPayload{
		Filename: file.Name,
		Checksum: file.Checksum,
		Size:     file.Size,
		URL:      file.URL,
	})
}

func (c *RemoteClient) RequestChecksum(ctx context.Context, id, filename string) error {
	if c.identity.Kind == Bitstream {
		return c.RunBatch(ctx, id, protocol.BatchPayload{Job: protocol.ChecksumJob, Filename: filename})
	}
	return c.send(ctx, id, protocol.MessageTypeGetChecksum, protocol.GetChecksumPayload{Filename: filename})
}

func (c *RemoteClient) RequestAllChecksums(ctx context.Context, id string) error {
	return c.send(ctx, id, protocol.MessageTypeGetAllChecksums, nil)
}

func (c *RemoteClient) RequestAllFilenames(ctx context.Context, id string) error {
	return c.send(ctx, id, protocol.MessageTypeGetAllFilenames, nil)
}

func (c *RemoteClient) RemoveAndGet(ctx context.Context, id, filename, checksum, credentials string) error {
	if c.identity.Kind != Bitstream {
		return fmt.Errorf("remove and get on %s: %w", c.identity, ErrNotSupported)
	}
	return c.send(ctx, id, protocol.MessageTypeRemoveAndGet, protocol.RemoveAndGetPayload{
		Filename:    filename,
		Checksum:    checksum,
		Credentials: credentials,
	})
}

func (c *RemoteClient) RunBatch(ctx context.Context, id string, job protocol.BatchPayload) error {
	if c.identity.Kind != Bitstream {
		return fmt.Errorf("batch on %s: %w", c.identity, ErrNotSupported)
	}
	return c.send(ctx, id, protocol.MessageTypeBatch, job)
}

// Close stops the client. Later requests fail with ErrClosed.
func (c *RemoteClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *RemoteClient) send(ctx context.Context, id string, typ protocol.MessageType, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	msg, err := protocol.NewMessage(typ, id, c.callbackURL, payload)
	if err != nil {
		return err
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	if err := c.sender.Send(ctx, c.identity.Channel, data); err != nil {
		c.logger.Debug().Err(err).Str("type", string(typ)).Msg("send failed")
		return fmt.Errorf("send %s to %s: %w", typ, c.identity.ID, err)
	}

	c.logger.Debug().
		Str("type", string(typ)).
		Str("id", id).
		Msg("request sent")
	return nil
}
