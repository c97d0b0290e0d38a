// Package node implements a replica node: it stores files uploaded by the
// coordinator and answers checksum, listing and removal requests. Messages
// are processed by a bounded worker pool and replies are sent to the
// sender's callback URL.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/internal/transport"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when a message arrives while every worker is
	// busy and the queue is full.
	ErrQueueFull = errors.New("message queue full")
	// ErrClosed is returned for messages arriving after Close.
	ErrClosed = errors.New("node closed")
)

// Config holds replica node settings.
type Config struct {
	ID         string
	Kind       replica.Kind
	DataDir    string
	Sender     transport.Sender
	Issuer     *auth.Issuer // Verifies remove-and-get credentials; nil rejects removals
	Workers    int          // default: 4
	QueueSize  int          // default: 256
	HTTPClient *http.Client // Fetches uploaded files (default: 5 minute timeout)
	// DrainTimeout bounds how long Close lets queued messages finish before
	// aborting in-flight work (default: 30s).
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// Node is a running replica.
type Node struct {
	id     string
	kind   replica.Kind
	sender transport.Sender
	issuer *auth.Issuer
	client *http.Client

	archive Archive
	files   *FileArchive     // bitstream replicas
	sums    *ChecksumArchive // checksum replicas

	queue   chan *protocol.Message
	workers int
	drain   time.Duration
	mu      sync.RWMutex // guards closed and sends on queue
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New opens the node's archive under cfg.DataDir.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:      cfg.ID,
		kind:    cfg.Kind,
		sender:  cfg.Sender,
		issuer:  cfg.Issuer,
		client:  cfg.HTTPClient,
		queue:   make(chan *protocol.Message, cfg.QueueSize),
		workers: cfg.Workers,
		drain:   cfg.DrainTimeout,
		ctx:     ctx,
		cancel:  cancel,
		logger: cfg.Logger.With().
			Str("component", "replica-node").
			Str("replica", cfg.ID).
			Logger(),
	}

	switch cfg.Kind {
	case replica.Bitstream:
		files, err := NewFileArchive(cfg.DataDir)
		if err != nil {
			cancel()
			return nil, err
		}
		n.files, n.archive = files, files
	case replica.Checksum:
		sums, err := NewChecksumArchive(filepath.Join(cfg.DataDir, "checksums.db"))
		if err != nil {
			cancel()
			return nil, err
		}
		n.sums, n.archive = sums, sums
	default:
		cancel()
		return nil, fmt.Errorf("unknown replica kind %q", cfg.Kind)
	}

	return n, nil
}

// Identity returns the node's identity. Channel is left empty.
func (n *Node) Identity() replica.Identity {
	return replica.Identity{ID: n.id, Kind: n.kind}
}

// Start launches the worker pool.
func (n *Node) Start() {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().
		Str("kind", string(n.kind)).
		Int("workers", n.workers).
		Int("queue_size", cap(n.queue)).
		Msg("Replica node started")
}

// HandleMessage queues one inbound message. It is registered as the
// transport handler and never blocks: a full queue rejects the message.
func (n *Node) HandleMessage(from string, data []byte) error {
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		n.logger.Warn().Err(err).Str("from", from).Msg("Failed to unmarshal message")
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}

	select {
	case n.queue <- msg:
		return nil
	default:
		n.logger.Warn().Str("type", string(msg.Type)).Msg("Message queue full, rejecting message")
		return ErrQueueFull
	}
}

func (n *Node) worker() {
	defer n.wg.Done()
	for msg := range n.queue {
		n.process(msg)
	}
}

// process handles one request and sends its reply.
func (n *Node) process(msg *protocol.Message) {
	log := n.logger.With().Str("type", string(msg.Type)).Str("id", msg.ID).Logger()
	log.Debug().Msg("Processing message")

	var (
		replyType protocol.MessageType
		payload   any
	)

	switch msg.Type {
	case protocol.MessageTypeUpload:
		replyType, payload = protocol.MessageTypeUploadReply, n.upload(msg)
	case protocol.MessageTypeGetChecksum:
		replyType, payload = protocol.MessageTypeGetChecksumReply, n.getChecksum(msg)
	case protocol.MessageTypeBatch:
		replyType, payload = protocol.MessageTypeBatchReply, n.batch(msg)
	case protocol.MessageTypeGetAllChecksums:
		replyType, payload = protocol.MessageTypeGetAllChecksumsReply, n.allChecksums()
	case protocol.MessageTypeGetAllFilenames:
		replyType, payload = protocol.MessageTypeGetAllFilenamesReply, n.allFilenames()
	case protocol.MessageTypeRemoveAndGet:
		replyType, payload = protocol.MessageTypeRemoveAndGetReply, n.removeAndGet(msg)
	default:
		log.Warn().Msg("Unknown message type, dropping")
		return
	}

	n.reply(msg, replyType, payload)
}

func (n *Node) reply(req *protocol.Message, typ protocol.MessageType, payload any) {
	if req.From == "" {
		n.logger.Warn().Str("type", string(req.Type)).Msg("Request without reply address, dropping reply")
		return
	}

	msg, err := protocol.NewReply(req, typ, uuid.NewString(), n.id, payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to build reply")
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to marshal reply")
		return
	}

	if err := n.sender.Send(n.ctx, req.From, data); err != nil {
		n.logger.Warn().Err(err).Str("type", string(typ)).Str("to", req.From).Msg("Failed to send reply")
	}
}

func (n *Node) upload(msg *protocol.Message) protocol.UploadReplyPayload {
	p, err := protocol.Decode[protocol.UploadPayload](msg, msg.Type)
	if err != nil {
		return protocol.UploadReplyPayload{Error: err.Error()}
	}

	fetch := func(w io.Writer) error {
		_, err := staging.Fetch(n.ctx, n.client, p.URL, w)
		return err
	}
	if err := n.archive.Store(p.Filename, p.Checksum, fetch); err != nil {
		n.logger.Warn().Err(err).Str("filename", p.Filename).Msg("Upload failed")
		return protocol.UploadReplyPayload{Filename: p.Filename, Error: err.Error()}
	}

	n.logger.Info().Str("filename", p.Filename).Msg("File stored")
	return protocol.UploadReplyPayload{Filename: p.Filename, OK: true}
}

func (n *Node) getChecksum(msg *protocol.Message) protocol.GetChecksumReplyPayload {
	p, err := protocol.Decode[protocol.GetChecksumPayload](msg, msg.Type)
	if err != nil {
		return protocol.GetChecksumReplyPayload{Error: err.Error()}
	}
	if n.sums == nil {
		return protocol.GetChecksumReplyPayload{Filename: p.Filename, Error: n.unsupported(msg)}
	}

	// A missing file is a successful answer with no checksum.
	sum, _, err := n.sums.Checksum(p.Filename)
	if err != nil {
		return protocol.GetChecksumReplyPayload{Filename: p.Filename, Error: err.Error()}
	}
	return protocol.GetChecksumReplyPayload{Filename: p.Filename, Checksum: sum, OK: true}
}

func (n *Node) batch(msg *protocol.Message) protocol.BatchReplyPayload {
	p, err := protocol.Decode[protocol.BatchPayload](msg, msg.Type)
	if err != nil {
		return protocol.BatchReplyPayload{Error: err.Error()}
	}
	if n.files == nil {
		return protocol.BatchReplyPayload{Error: n.unsupported(msg)}
	}
	if p.Job != protocol.ChecksumJob {
		return protocol.BatchReplyPayload{Error: fmt.Sprintf("unknown batch job %q", p.Job)}
	}

	lines, failed, err := n.files.ChecksumLines(p.Filename)
	if err != nil {
		return protocol.BatchReplyPayload{Error: err.Error()}
	}

	reply := protocol.BatchReplyPayload{
		OK:             len(failed) == 0,
		Lines:          lines,
		FilesProcessed: len(lines) + len(failed),
		FilesFailed:    failed,
	}
	if len(failed) > 0 {
		reply.Error = fmt.Sprintf("%d files could not be read", len(failed))
	}
	return reply
}

func (n *Node) allChecksums() protocol.GetAllChecksumsReplyPayload {
	var (
		lines []string
		err   error
	)
	if n.files != nil {
		var failed []string
		lines, failed, err = n.files.ChecksumLines("")
		if err == nil && len(failed) > 0 {
			err = fmt.Errorf("%d files could not be read", len(failed))
		}
	} else {
		lines, err = n.sums.ChecksumLines()
	}
	if err != nil {
		return protocol.GetAllChecksumsReplyPayload{Lines: lines, Error: err.Error()}
	}
	return protocol.GetAllChecksumsReplyPayload{OK: true, Lines: lines}
}

func (n *Node) allFilenames() protocol.GetAllFilenamesReplyPayload {
	names, err := n.archive.Filenames()
	if err != nil {
		return protocol.GetAllFilenamesReplyPayload{Error: err.Error()}
	}
	return protocol.GetAllFilenamesReplyPayload{OK: true, Filenames: names}
}

func (n *Node) removeAndGet(msg *protocol.Message) protocol.RemoveAndGetReplyPayload {
	p, err := protocol.Decode[protocol.RemoveAndGetPayload](msg, msg.Type)
	if err != nil {
		return protocol.RemoveAndGetReplyPayload{Error: err.Error()}
	}
	if n.files == nil {
		return protocol.RemoveAndGetReplyPayload{Filename: p.Filename, Error: n.unsupported(msg)}
	}
	if n.issuer == nil {
		return protocol.RemoveAndGetReplyPayload{Filename: p.Filename, Error: auth.ErrNoSecret.Error()}
	}
	if err := n.issuer.Verify(p.Credentials, p.Filename, p.Checksum); err != nil {
		n.logger.Warn().Err(err).Str("filename", p.Filename).Msg("Removal with invalid credentials")
		return protocol.RemoveAndGetReplyPayload{Filename: p.Filename, Error: err.Error()}
	}

	data, err := n.files.RemoveAndGet(p.Filename, p.Checksum)
	if err != nil {
		return protocol.RemoveAndGetReplyPayload{Filename: p.Filename, Error: err.Error()}
	}

	n.logger.Warn().Str("filename", p.Filename).Str("checksum", p.Checksum).Msg("File removed from archive")
	return protocol.RemoveAndGetReplyPayload{Filename: p.Filename, OK: true, Data: data}
}

func (n *Node) unsupported(msg *protocol.Message) string {
	return fmt.Sprintf("%s on %s replica: %v", msg.Type, n.kind, replica.ErrNotSupported)
}

// Close stops accepting messages, drains the queue and closes the archive.
// Queued messages are processed and answered; work still running after the
// drain timeout is canceled.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(n.drain)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		n.logger.Warn().Dur("timeout", n.drain).Msg("Queue not drained in time, canceling in-flight work")
		n.cancel()
		<-done
	}
	n.cancel()
	n.logger.Info().Msg("Replica node stopped")
	return n.archive.Close()
}
