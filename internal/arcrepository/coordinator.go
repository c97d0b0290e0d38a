// Package arcrepository coordinates replicated stores: it fans every stored
// file out to the configured replicas, verifies each copy by checksum,
// retries copies reported missing and answers the caller exactly once.
package arcrepository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/logging/audit"
	"github.com/netarchive/arcrepo/internal/metrics"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// fileLockShards is the number of mutexes file locks are spread over.
const fileLockShards = 64

// FileReleaser frees the bytes of a file once its store is decided.
type FileReleaser interface {
	Release(filename string) error
}

// Config contains configuration for the coordinator.
type Config struct {
	Replicas     []replica.Client
	Store        adminstore.Store
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics // nil registers metrics on a private registry
	Audit        *audit.Logger    // nil derives an audit logger from Logger
	MaxRetries   int              // Re-uploads per replica and file after an empty checksum
	Releaser     FileReleaser     // Optional, releases staged bytes after the reply
	OnOutcome    func(Outcome)    // Optional, called after every terminal reply
	Issuer       *auth.Issuer     // Signs remove-and-get credentials
	QueryTimeout time.Duration    // How long to wait for query replies (default: 30s)
	Context      context.Context  // Parent context for replica dispatches
}

// outstandingChecksum is a checksum request awaiting its reply.
type outstandingChecksum struct {
	filename  string
	replicaID string
	sentAt    time.Time
}

// Coordinator owns the store lifecycle of every file. Mutations of one file
// are serialized by a per-file lock; different files proceed concurrently.
type Coordinator struct {
	replicas []replica.Client
	byID     map[string]replica.Client
	store    adminstore.Store
	ledger   *RetryLedger

	locks [fileLockShards]sync.Mutex

	outMu       sync.Mutex
	outstanding map[string]outstandingChecksum // correlation id -> request

	filesMu sync.Mutex
	files   map[string]replica.File // filename -> handle for re-uploads

	queriesMu sync.Mutex
	queries   map[string]*pendingQuery // correlation id -> waiting query

	releaser     FileReleaser
	onOutcome    func(Outcome)
	issuer       *auth.Issuer
	queryTimeout time.Duration

	metrics *metrics.Metrics
	audit   *audit.Logger
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a coordinator. The replica set is fixed for its lifetime.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: no admin store", ErrInvalidArgument)
	}
	if len(config.Replicas) == 0 {
		return nil, fmt.Errorf("%w: no replicas configured", ErrInvalidArgument)
	}

	byID := make(map[string]replica.Client, len(config.Replicas))
	for _, client := range config.Replicas {
		id := client.Identity().ID
		if id == "" {
			return nil, fmt.Errorf("%w: replica with empty id", ErrInvalidArgument)
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate replica %s", ErrInvalidArgument, id)
		}
		byID[id] = client
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if config.Audit == nil {
		config.Audit = audit.NewLogger(config.Logger)
	}
	parentCtx := config.Context
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	return &Coordinator{
		replicas:     config.Replicas,
		byID:         byID,
		store:        config.Store,
		ledger:       NewRetryLedger(config.MaxRetries),
		outstanding:  make(map[string]outstandingChecksum),
		files:        make(map[string]replica.File),
		queries:      make(map[string]*pendingQuery),
		releaser:     config.Releaser,
		onOutcome:    config.OnOutcome,
		issuer:       config.Issuer,
		queryTimeout: config.QueryTimeout,
		metrics:      config.Metrics,
		audit:        config.Audit,
		logger:       config.Logger.With().Str("component", "coordinator").Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Replicas returns the identities of the configured replicas.
func (c *Coordinator) Replicas() []replica.Identity {
	ids := make([]replica.Identity, 0, len(c.replicas))
	for _, client := range c.replicas {
		ids = append(ids, client.Identity())
	}
	return ids
}

// StartStore begins storing file on every replica. token receives exactly
// one reply once the outcome is decided. A checksum differing from the
// recorded one is answered not ok at once and returned as
// ErrChecksumConflict without contacting any replica.
func (c *Coordinator) StartStore(file replica.File, token adminstore.ReplyToken) error {
	if file.Name == "" || file.Checksum == "" {
		return fmt.Errorf("%w: file needs a name and a checksum", ErrInvalidArgument)
	}
	if token == nil {
		return fmt.Errorf("%w: nil reply token", ErrInvalidArgument)
	}
	if c.closed.Load() {
		return ErrClosed
	}

	filename := file.Name
	unlock := c.lockFile(filename)
	defer unlock()

	c.logger.Info().Str("filename", filename).Msg("Store started")

	found, err := c.store.HasEntry(filename)
	if err != nil {
		return err
	}

	if found {
		expected, _, err := c.store.Checksum(filename)
		if err != nil {
			return err
		}
		if expected != file.Checksum {
			reason := fmt.Sprintf("attempting to store file %q with checksum %s, recorded checksum is %s",
				filename, file.Checksum, expected)
			c.audit.LogChecksumConflict(filename, expected, file.Checksum)
			c.metrics.ChecksumConflicts.Inc()
			c.metrics.StoresCompleted.WithLabelValues("conflict").Inc()
			token.Reply(false, reason)
			c.publish(filename, false, reason)
			return fmt.Errorf("%w: %s", ErrChecksumConflict, reason)
		}

		c.logger.Debug().Str("filename", filename).Msg("Retrying store of known file")
		if old, ok := c.store.RemoveReplyInfo(filename); ok {
			old.Reply(false, fmt.Sprintf("store of %q superseded by a newer request", filename))
		}
		if err := c.store.SetReplyInfo(filename, token); err != nil {
			return err
		}
	} else if err := c.store.AddEntry(filename, token, file.Checksum); err != nil {
		return err
	}

	c.trackFile(file)
	c.metrics.StoresStarted.Inc()

	// Every replica is put in flight before the first dispatch. Dispatch
	// failures are applied once every request is out.
	type dispatch struct {
		replicaID string
		send      func() error
	}
	var dispatches []dispatch
	for _, client := range c.replicas {
		if send := c.beginUpload(file, client); send != nil {
			dispatches = append(dispatches, dispatch{replicaID: client.Identity().ID, send: send})
		}
	}
	var failed []string
	for _, d := range dispatches {
		if err := d.send(); err != nil {
			failed = append(failed, d.replicaID)
		}
	}
	for _, replicaID := range failed {
		c.setState(filename, replicaID, adminstore.UploadFailed)
	}

	c.evaluateOutcome(filename)
	return nil
}

// beginUpload records the start of the upload of file to one replica and
// returns the request to dispatch, or nil. A replica with a recorded state
// from an earlier attempt is asked for its checksum instead of receiving the
// bytes again.
func (c *Coordinator) beginUpload(file replica.File, client replica.Client) func() error {
	replicaID := client.Identity().ID

	state, found, err := c.store.State(file.Name, replicaID)
	if err != nil {
		c.logger.Error().Err(err).Str("filename", file.Name).Str("replica", replicaID).Msg("Failed to read store state")
		return nil
	}

	if !found {
		if !c.setState(file.Name, replicaID, adminstore.UploadStarted) {
			return nil
		}
		return func() error { return c.sendUpload(file, client) }
	}

	c.logger.Debug().
		Str("filename", file.Name).
		Str("replica", replicaID).
		Str("state", state.String()).
		Msg("Recovering earlier upload")

	switch state {
	case adminstore.UploadCompleted:
		return nil
	case adminstore.UploadFailed:
		if !c.setState(file.Name, replicaID, adminstore.UploadStarted) {
			return nil
		}
	}
	return func() error { return c.sendChecksumRequest(file.Name, client) }
}

// Handle processes one inbound event.
func (c *Coordinator) Handle(ev Event) {
	switch e := ev.(type) {
	case UploadResult:
		c.onUploadResult(e)
	case ChecksumBatchResult:
		c.onChecksumBatchResult(e)
	case DirectChecksumResult:
		c.onDirectChecksumResult(e)
	default:
		c.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unknown event")
	}
}

func (c *Coordinator) onUploadResult(e UploadResult) {
	client, ok := c.byID[e.ReplicaID]
	if !ok {
		c.logger.Warn().Str("filename", e.Filename).Str("replica", e.ReplicaID).Msg("Upload reply from unknown replica")
		return
	}

	unlock := c.lockFile(e.Filename)
	defer unlock()

	state, found, err := c.store.State(e.Filename, e.ReplicaID)
	if err != nil {
		c.logger.Error().Err(err).Str("filename", e.Filename).Msg("Failed to read store state")
		return
	}
	if !found {
		c.logger.Warn().Str("filename", e.Filename).Str("replica", e.ReplicaID).Msg("Upload reply for unknown upload")
		return
	}
	// Only an upload in flight can be answered. Anything else is a
	// duplicate or stale delivery.
	if state != adminstore.UploadStarted {
		c.logger.Debug().
			Str("filename", e.Filename).
			Str("replica", e.ReplicaID).
			Str("state", state.String()).
			Msg("Ignoring duplicate upload reply")
		return
	}

	if e.OK {
		c.logger.Debug().Str("filename", e.Filename).Str("replica", e.ReplicaID).Msg("Data uploaded")
		if c.setState(e.Filename, e.ReplicaID, adminstore.DataUploaded) {
			c.requestChecksum(e.Filename, client)
		}
		return
	}

	c.logger.Warn().Str("filename", e.Filename).Str("replica", e.ReplicaID).Msg("Upload failed")
	c.setState(e.Filename, e.ReplicaID, adminstore.UploadFailed)
	c.evaluateOutcome(e.Filename)
}

func (c *Coordinator) onChecksumBatchResult(e ChecksumBatchResult) {
	req, ok := c.takeOutstanding(e.CorrelationID)
	if !ok {
		return
	}

	unlock := c.lockFile(req.filename)
	defer unlock()

	transportOK := e.OK
	if !e.OK {
		c.logger.Warn().
			Str("filename", req.filename).
			Str("replica", req.replicaID).
			Msg("Checksum job reported not ok, processing its output anyway")
	}

	checksum, err := ParseChecksumReport(e.Lines, req.filename, c.logger)
	if err != nil {
		c.logger.Error().Err(err).
			Str("filename", req.filename).
			Str("replica", req.replicaID).
			Msg("Unusable checksum report")
		checksum, transportOK = "", false
	}

	c.applyChecksum(req.filename, req.replicaID, checksum, transportOK)
}

func (c *Coordinator) onDirectChecksumResult(e DirectChecksumResult) {
	req, ok := c.takeOutstanding(e.CorrelationID)
	if !ok {
		return
	}

	unlock := c.lockFile(req.filename)
	defer unlock()

	c.applyChecksum(req.filename, req.replicaID, e.Checksum, e.OK)
}

// applyChecksum applies a checksum observation of filename on replicaID.
// Callers hold the file lock.
func (c *Coordinator) applyChecksum(filename, replicaID, reported string, transportOK bool) {
	expected, found, err := c.store.Checksum(filename)
	if err != nil {
		c.logger.Error().Err(err).Str("filename", filename).Msg("Failed to read expected checksum")
		return
	}
	if !found {
		c.logger.Warn().Str("filename", filename).Str("replica", replicaID).Msg("Checksum for unknown file")
		return
	}
	if !c.hasFile(filename) {
		c.logger.Warn().Str("filename", filename).Msg("Checksum for file without outstanding store")
	}

	if reported != "" && reported == expected {
		c.setState(filename, replicaID, adminstore.UploadCompleted)
		c.ledger.Reset(replicaID, filename)
		c.evaluateOutcome(filename)
		return
	}

	switch {
	case reported == "" && !transportOK:
		c.logger.Warn().
			Str("filename", filename).
			Str("replica", replicaID).
			Msg("Cannot retry upload, checksum request failed")
	case reported == "" && c.ledger.CanRetry(replicaID, filename):
		if file, ok := c.outstandingFile(filename); ok {
			c.logger.Info().
				Str("filename", filename).
				Str("replica", replicaID).
				Int("retry", c.ledger.Count(replicaID, filename)+1).
				Msg("File missing on replica, retrying upload")
			if c.setState(filename, replicaID, adminstore.UploadStarted) {
				c.ledger.Increment(replicaID, filename)
				c.metrics.UploadRetries.WithLabelValues(replicaID).Inc()
				c.upload(file, c.byID[replicaID])
				return
			}
		}
	case reported == "":
		c.logger.Warn().
			Str("filename", filename).
			Str("replica", replicaID).
			Msg("No more upload retries")
	default:
		c.logger.Error().
			Str("filename", filename).
			Str("replica", replicaID).
			Str("expected", expected).
			Str("reported", reported).
			Msg("Checksum mismatch, replica holds a wrong copy")
		c.audit.LogVerificationMismatch(filename, replicaID, expected, reported)
		c.metrics.VerificationMismatches.WithLabelValues(replicaID).Inc()
	}

	c.setState(filename, replicaID, adminstore.UploadFailed)
	c.evaluateOutcome(filename)
}

// upload dispatches file to client. A dispatch failure marks the replica
// failed. Callers hold the file lock.
func (c *Coordinator) upload(file replica.File, client replica.Client) {
	if err := c.sendUpload(file, client); err != nil {
		c.setState(file.Name, client.Identity().ID, adminstore.UploadFailed)
		c.evaluateOutcome(file.Name)
	}
}

func (c *Coordinator) sendUpload(file replica.File, client replica.Client) error {
	replicaID := client.Identity().ID
	if err := client.Upload(c.ctx, file); err != nil {
		c.logger.Warn().Err(err).Str("filename", file.Name).Str("replica", replicaID).Msg("Failed to send upload")
		return err
	}
	return nil
}

// requestChecksum asks client for the checksum of filename. A dispatch
// failure marks the replica failed without a retry. Callers hold the file
// lock.
func (c *Coordinator) requestChecksum(filename string, client replica.Client) {
	if err := c.sendChecksumRequest(filename, client); err != nil {
		c.applyChecksum(filename, client.Identity().ID, "", false)
	}
}

// sendChecksumRequest registers a correlation id before sending the request
// and forgets it again when the send fails.
func (c *Coordinator) sendChecksumRequest(filename string, client replica.Client) error {
	replicaID := client.Identity().ID
	id := uuid.NewString()

	c.outMu.Lock()
	c.outstanding[id] = outstandingChecksum{filename: filename, replicaID: replicaID, sentAt: time.Now()}
	c.outMu.Unlock()

	c.metrics.ChecksumRequests.WithLabelValues(replicaID).Inc()

	if err := client.RequestChecksum(c.ctx, id, filename); err != nil {
		c.outMu.Lock()
		delete(c.outstanding, id)
		c.outMu.Unlock()

		c.logger.Warn().Err(err).Str("filename", filename).Str("replica", replicaID).Msg("Failed to send checksum request")
		return err
	}

	c.logger.Debug().Str("filename", filename).Str("replica", replicaID).Str("id", id).Msg("Checksum requested")
	return nil
}

// takeOutstanding consumes the checksum request registered under id.
func (c *Coordinator) takeOutstanding(id string) (outstandingChecksum, bool) {
	c.outMu.Lock()
	req, ok := c.outstanding[id]
	if ok {
		delete(c.outstanding, id)
	}
	c.outMu.Unlock()

	if !ok {
		c.metrics.UnknownCorrelations.Inc()
		c.logger.Warn().Str("id", id).Msg("Checksum reply with unknown correlation id, discarding")
		return req, false
	}

	c.logger.Debug().
		Str("filename", req.filename).
		Str("replica", req.replicaID).
		Dur("elapsed", time.Since(req.sentAt)).
		Msg("Checksum reply received")
	return req, true
}

// dropOutstanding forgets every checksum request about filename.
func (c *Coordinator) dropOutstanding(filename string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	for id, req := range c.outstanding {
		if req.filename == filename {
			delete(c.outstanding, id)
		}
	}
}

// OutstandingChecksums returns the number of checksum requests awaiting a reply.
func (c *Coordinator) OutstandingChecksums() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.outstanding)
}

func (c *Coordinator) trackFile(file replica.File) {
	c.filesMu.Lock()
	if _, ok := c.files[file.Name]; ok {
		c.logger.Info().Str("filename", file.Name).Msg("File was already outstanding")
	}
	c.files[file.Name] = file
	c.metrics.PendingStores.Set(float64(len(c.files)))
	c.filesMu.Unlock()
}

func (c *Coordinator) untrackFile(filename string) {
	c.filesMu.Lock()
	delete(c.files, filename)
	c.metrics.PendingStores.Set(float64(len(c.files)))
	c.filesMu.Unlock()
}

func (c *Coordinator) outstandingFile(filename string) (replica.File, bool) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	file, ok := c.files[filename]
	return file, ok
}

func (c *Coordinator) hasFile(filename string) bool {
	_, ok := c.outstandingFile(filename)
	return ok
}

// PendingStores returns the number of stores awaiting their reply.
func (c *Coordinator) PendingStores() int {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	return len(c.files)
}

// setState records a state change, logging failures. Callers hold the file lock.
func (c *Coordinator) setState(filename, replicaID string, state adminstore.StoreState) bool {
	if err := c.store.SetState(filename, replicaID, state); err != nil {
		c.logger.Error().Err(err).
			Str("filename", filename).
			Str("replica", replicaID).
			Str("state", state.String()).
			Msg("Failed to record store state")
		return false
	}
	return true
}

func (c *Coordinator) lockFile(filename string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(filename))
	mu := &c.locks[h.Sum32()%fileLockShards]
	mu.Lock()
	return mu.Unlock
}

// Close stops the coordinator, closes every replica client and the admin
// store.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		var errs []error
		for _, client := range c.replicas {
			if err := client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close replica %s: %w", client.Identity().ID, err))
			}
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close admin store: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info().Msg("Coordinator closed")
	})
	return c.closeErr
}
