package arcrepository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
)

// Reply is the answer delivered to a ReplyWaiter.
type Reply struct {
	OK     bool
	Reason string
}

// ReplyWaiter is a ReplyToken a caller can block on. Only the first reply is
// kept.
type ReplyWaiter struct {
	ch   chan Reply
	once sync.Once
}

var _ adminstore.ReplyToken = (*ReplyWaiter)(nil)

// NewReplyWaiter creates a waiter with no reply yet.
func NewReplyWaiter() *ReplyWaiter {
	return &ReplyWaiter{ch: make(chan Reply, 1)}
}

// Reply records the answer. Later calls are ignored.
func (w *ReplyWaiter) Reply(ok bool, reason string) {
	w.once.Do(func() {
		w.ch <- Reply{OK: ok, Reason: reason}
	})
}

// Wait blocks until the reply arrives or ctx is done.
func (w *ReplyWaiter) Wait(ctx context.Context) (Reply, error) {
	select {
	case r := <-w.ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// outcomeTally is the linear scan over configured replicas that decides a
// store.
type outcomeTally struct {
	completed bool // every replica UPLOAD_COMPLETED
	failed    bool // some replica UPLOAD_FAILED
	inFlight  bool // some replica UPLOAD_STARTED
}

func (c *Coordinator) tally(filename string) (outcomeTally, error) {
	t := outcomeTally{completed: true}
	for _, client := range c.replicas {
		state, found, err := c.store.State(filename, client.Identity().ID)
		if err != nil {
			return outcomeTally{}, err
		}
		if !found || state != adminstore.UploadCompleted {
			t.completed = false
		}
		switch state {
		case adminstore.UploadFailed:
			t.failed = true
		case adminstore.UploadStarted:
			t.inFlight = true
		}
	}
	return t, nil
}

// evaluateOutcome answers the pending caller of filename once the outcome is
// decided: success when every replica completed, failure when some replica
// failed and none is still in flight. Callers hold the file lock.
func (c *Coordinator) evaluateOutcome(filename string) {
	if !c.store.HasReplyInfo(filename) {
		return
	}

	t, err := c.tally(filename)
	if err != nil {
		c.logger.Error().Err(err).Str("filename", filename).Msg("Failed to read store states")
		return
	}

	switch {
	case t.completed:
		c.finish(filename, true, "")
	case t.failed && !t.inFlight:
		c.finish(filename, false, fmt.Sprintf("failure while trying to store file %q", filename))
	}
}

// finish sends the single terminal reply for filename and drops every
// transient record of the store.
func (c *Coordinator) finish(filename string, ok bool, reason string) {
	token, found := c.store.RemoveReplyInfo(filename)
	if !found {
		return
	}

	c.untrackFile(filename)
	c.ledger.Clear(filename)
	c.dropOutstanding(filename)

	if ok {
		c.logger.Info().Str("filename", filename).Msg("Store OK")
		c.metrics.StoresCompleted.WithLabelValues("ok").Inc()
	} else {
		c.logger.Warn().Str("filename", filename).Str("reason", reason).Msg("Store NOT OK")
		c.metrics.StoresCompleted.WithLabelValues("failed").Inc()
	}

	token.Reply(ok, reason)

	if c.releaser != nil {
		if err := c.releaser.Release(filename); err != nil {
			c.logger.Warn().Err(err).Str("filename", filename).Msg("Failed to release staged file")
		}
	}
	c.publish(filename, ok, reason)
}

func (c *Coordinator) publish(filename string, ok bool, reason string) {
	if c.onOutcome == nil {
		return
	}
	c.onOutcome(Outcome{
		Filename: filename,
		OK:       ok,
		Reason:   reason,
		Time:     time.Now().UTC(),
	})
}
