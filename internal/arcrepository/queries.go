package arcrepository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
)

// pendingQuery is a request whose reply a caller is waiting for.
type pendingQuery struct {
	replicaID string
	expect    protocol.MessageType
	reply     chan *protocol.Message
}

// query registers a correlation id, sends the request with send and waits
// for the reply or the query timeout.
func (c *Coordinator) query(ctx context.Context, replicaID string, expect protocol.MessageType,
	send func(ctx context.Context, client replica.Client, id string) error) (*protocol.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	client, ok := c.byID[replicaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReplica, replicaID)
	}

	id := uuid.NewString()
	pq := &pendingQuery{
		replicaID: replicaID,
		expect:    expect,
		reply:     make(chan *protocol.Message, 1),
	}

	c.queriesMu.Lock()
	c.queries[id] = pq
	c.queriesMu.Unlock()

	defer func() {
		c.queriesMu.Lock()
		delete(c.queries, id)
		c.queriesMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := send(ctx, client, id); err != nil {
		return nil, err
	}

	select {
	case msg := <-pq.reply:
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s from %s: %w", expect, replicaID, ctx.Err())
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// resolveQuery hands a reply to its waiting query. Replies nobody waits for,
// or sent by a replica other than the one queried, are discarded.
func (c *Coordinator) resolveQuery(msg *protocol.Message) {
	c.queriesMu.Lock()
	pq, ok := c.queries[msg.ReplyOf]
	c.queriesMu.Unlock()

	if !ok {
		c.metrics.UnknownCorrelations.Inc()
		c.logger.Warn().
			Str("type", string(msg.Type)).
			Str("reply_of", msg.ReplyOf).
			Msg("Query reply with unknown correlation id, discarding")
		return
	}
	if msg.From != pq.replicaID {
		c.logger.Warn().
			Str("type", string(msg.Type)).
			Str("from", msg.From).
			Str("expected", pq.replicaID).
			Msg("Query reply from another replica, discarding")
		return
	}
	if msg.Type != pq.expect {
		c.logger.Warn().
			Str("type", string(msg.Type)).
			Str("expected", string(pq.expect)).
			Msg("Query reply of unexpected type, discarding")
		return
	}

	select {
	case pq.reply <- msg:
	default:
		c.logger.Debug().Str("reply_of", msg.ReplyOf).Msg("Duplicate query reply, discarding")
	}
}

// AllChecksums returns the "filename##checksum" lines of every file on a replica.
func (c *Coordinator) AllChecksums(ctx context.Context, replicaID string) ([]string, error) {
	msg, err := c.query(ctx, replicaID, protocol.MessageTypeGetAllChecksumsReply,
		func(ctx context.Context, client replica.Client, id string) error {
			return client.RequestAllChecksums(ctx, id)
		})
	if err != nil {
		return nil, err
	}

	p, err := protocol.Decode[protocol.GetAllChecksumsReplyPayload](msg, msg.Type)
	if err != nil {
		return nil, err
	}
	if !p.OK {
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryFailed, replicaID, p.Error)
	}
	return p.Lines, nil
}

// AllFilenames returns the names of every file on a replica.
func (c *Coordinator) AllFilenames(ctx context.Context, replicaID string) ([]string, error) {
	msg, err := c.query(ctx, replicaID, protocol.MessageTypeGetAllFilenamesReply,
		func(ctx context.Context, client replica.Client, id string) error {
			return client.RequestAllFilenames(ctx, id)
		})
	if err != nil {
		return nil, err
	}

	p, err := protocol.Decode[protocol.GetAllFilenamesReplyPayload](msg, msg.Type)
	if err != nil {
		return nil, err
	}
	if !p.OK {
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryFailed, replicaID, p.Error)
	}
	return p.Filenames, nil
}
