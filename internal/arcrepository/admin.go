package arcrepository

import (
	"context"
	"errors"
	"fmt"

	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
)

// AdminUpdate is an operator correction of the admin data of one file.
// ReplicaID and State are set together; Checksum may be set alone.
type AdminUpdate struct {
	Filename  string
	ReplicaID string
	State     adminstore.StoreState
	Checksum  string
}

// UpdateAdminData forces a state or checksum outside the normal protocol,
// then re-evaluates the outcome of any pending store of the file.
func (c *Coordinator) UpdateAdminData(u AdminUpdate) error {
	if u.Filename == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidArgument)
	}
	if (u.ReplicaID == "") != (u.State == "") {
		return fmt.Errorf("%w: replica and state must be given together", ErrInvalidArgument)
	}
	if u.ReplicaID == "" && u.Checksum == "" {
		return fmt.Errorf("%w: nothing to update", ErrInvalidArgument)
	}
	if u.State != "" && !u.State.Valid() {
		return fmt.Errorf("%w: %q", adminstore.ErrInvalidState, u.State)
	}
	if u.ReplicaID != "" {
		if _, ok := c.byID[u.ReplicaID]; !ok {
			c.audit.LogAdminUpdate(u.Filename, u.ReplicaID, u.State.String(), u.Checksum, "denied")
			return fmt.Errorf("%w: %s", ErrUnknownReplica, u.ReplicaID)
		}
	}

	unlock := c.lockFile(u.Filename)
	defer unlock()

	found, err := c.store.HasEntry(u.Filename)
	if err != nil {
		return err
	}
	if !found {
		c.audit.LogAdminUpdate(u.Filename, u.ReplicaID, u.State.String(), u.Checksum, "denied")
		return fmt.Errorf("%w: no admin entry for %s", ErrUnknownEntry, u.Filename)
	}

	if u.ReplicaID != "" {
		if err := c.store.SetState(u.Filename, u.ReplicaID, u.State); err != nil {
			return err
		}
	}
	if u.Checksum != "" {
		if err := c.store.SetChecksum(u.Filename, u.Checksum); err != nil {
			return err
		}
	}
	c.audit.LogAdminUpdate(u.Filename, u.ReplicaID, u.State.String(), u.Checksum, "applied")

	c.evaluateOutcome(u.Filename)
	return nil
}

// State returns the recorded state of filename on replicaID.
func (c *Coordinator) State(filename, replicaID string) (adminstore.StoreState, error) {
	if _, ok := c.byID[replicaID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownReplica, replicaID)
	}
	state, found, err := c.store.State(filename, replicaID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s on %s", ErrUnknownState, filename, replicaID)
	}
	return state, nil
}

// Record returns the admin record of filename.
func (c *Coordinator) Record(filename string) (*adminstore.FileRecord, error) {
	rec, found, err := c.store.Record(filename)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, filename)
	}
	return rec, nil
}

// List returns the admin records with some replica in state; an empty state
// lists every record.
func (c *Coordinator) List(state adminstore.StoreState) ([]*adminstore.FileRecord, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: %q", adminstore.ErrInvalidState, state)
	}
	return c.store.List(state)
}

// RemoveAndGet removes the copy of filename with the given checksum from a
// bitstream replica and returns its bytes. A copy whose checksum is the
// expected one is never removed.
func (c *Coordinator) RemoveAndGet(ctx context.Context, filename, replicaID, checksum string) ([]byte, error) {
	if filename == "" || replicaID == "" || checksum == "" {
		return nil, fmt.Errorf("%w: filename, replica and checksum are required", ErrInvalidArgument)
	}

	expected, found, err := c.store.Checksum(filename)
	if err != nil {
		return nil, err
	}
	if found && expected == checksum {
		c.audit.LogRemoveAndGet(filename, replicaID, checksum, "denied", "checksum is the expected one")
		return nil, fmt.Errorf("%w: %s with checksum %s", ErrCorrectChecksum, filename, checksum)
	}

	if c.issuer == nil {
		return nil, auth.ErrNoSecret
	}
	creds, err := c.issuer.Issue(filename, checksum)
	if err != nil {
		return nil, err
	}

	c.audit.LogRemoveAndGet(filename, replicaID, checksum, "requested", "")

	msg, err := c.query(ctx, replicaID, protocol.MessageTypeRemoveAndGetReply,
		func(ctx context.Context, client replica.Client, id string) error {
			return client.RemoveAndGet(ctx, id, filename, checksum, creds)
		})
	if err != nil {
		if !errors.Is(err, ErrUnknownReplica) {
			c.audit.LogRemoveAndGet(filename, replicaID, checksum, "failed", err.Error())
		}
		return nil, err
	}

	p, err := protocol.Decode[protocol.RemoveAndGetReplyPayload](msg, msg.Type)
	if err != nil {
		return nil, err
	}
	if !p.OK {
		c.audit.LogRemoveAndGet(filename, replicaID, checksum, "failed", p.Error)
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryFailed, replicaID, p.Error)
	}

	c.audit.LogRemoveAndGet(filename, replicaID, checksum, "completed", "")
	return p.Data, nil
}
