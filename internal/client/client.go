// Package client talks to an arcrepo coordinator over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/pkg/proto"
)

var (
	// ErrNoReply is returned when the store timeout passes before the
	// coordinator answers. The store may still succeed later.
	ErrNoReply = errors.New("no reply to store request")
	// ErrStoreFailed is returned when the coordinator answers a store not ok.
	ErrStoreFailed = errors.New("store failed")
	// ErrChecksumConflict is returned when the file is already recorded with
	// another checksum.
	ErrChecksumConflict = errors.New("checksum conflict")
	// ErrNotFound is returned for unknown files and replicas.
	ErrNotFound = errors.New("not found")
)

// Client is a client for the arcrepo coordinator.
type Client struct {
	baseURL      string
	authToken    string
	adminToken   string
	client       *http.Client
	storeTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAdminToken sets the token sent on admin requests.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithStoreTimeout bounds how long Store waits for the outcome (default: 1h).
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Client) { c.storeTimeout = d }
}

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the coordinator at baseURL.
func New(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		authToken:    authToken,
		client:       &http.Client{},
		storeTimeout: time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store uploads content as filename and waits for the outcome. checksum is
// the hex MD5 of content.
func (c *Client) Store(ctx context.Context, filename, checksum string, content io.Reader) (*proto.StoreResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPut, "/api/v1/files/"+url.PathEscape(filename), c.authToken, content)
	if err != nil {
		return nil, err
	}
	req.Header.Set(proto.ChecksumHeader, checksum)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrNoReply, filename, c.storeTimeout)
		}
		return nil, fmt.Errorf("store %s: %w", filename, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusBadGateway:
	default:
		return nil, c.parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrNoReply, filename, c.storeTimeout)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Errors raised before the store started carry an ErrorResponse.
	var result proto.StoreResponse
	if err := json.Unmarshal(body, &result); err != nil || result.Filename == "" {
		return nil, errorFromBody(resp.StatusCode, body)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &result, fmt.Errorf("%w: %s", ErrChecksumConflict, result.Error)
	case !result.OK:
		return &result, fmt.Errorf("%w: %s", ErrStoreFailed, result.Error)
	}
	return &result, nil
}

// StoreFile uploads the file at path under its base name.
func (c *Client) StoreFile(ctx context.Context, path string) (*proto.StoreResponse, error) {
	sum, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return c.Store(ctx, filepath.Base(path), sum, f)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sum, _, err := staging.Checksum(f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return sum, nil
}

// Record returns the admin record of filename.
func (c *Client) Record(ctx context.Context, filename string) (*proto.FileRecordView, error) {
	var out proto.FileRecordView
	if err := c.getJSON(ctx, "/api/v1/files/"+url.PathEscape(filename), c.authToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the records with a replica in state; an empty state lists all.
func (c *Client) List(ctx context.Context, state string) ([]proto.FileRecordView, error) {
	path := "/api/v1/files"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var out proto.FileListResponse
	if err := c.getJSON(ctx, path, c.authToken, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Replicas returns the configured replicas.
func (c *Client) Replicas(ctx context.Context) ([]proto.ReplicaInfo, error) {
	var out proto.ReplicaListResponse
	if err := c.getJSON(ctx, "/api/v1/replicas", c.authToken, &out); err != nil {
		return nil, err
	}
	return out.Replicas, nil
}

// SetState forces the state of filename on a replica.
func (c *Client) SetState(ctx context.Context, filename, replicaID, state string) (*proto.FileRecordView, error) {
	return c.updateAdmin(ctx, filename, proto.AdminUpdateRequest{Replica: replicaID, State: state})
}

// SetChecksum overrides the expected checksum of filename.
func (c *Client) SetChecksum(ctx context.Context, filename, checksum string) (*proto.FileRecordView, error) {
	return c.updateAdmin(ctx, filename, proto.AdminUpdateRequest{Checksum: checksum})
}

func (c *Client) updateAdmin(ctx context.Context, filename string, req proto.AdminUpdateRequest) (*proto.FileRecordView, error) {
	var out proto.FileRecordView
	if err := c.postJSON(ctx, "/api/v1/admin/files/"+url.PathEscape(filename), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveAndGet takes the copy of filename with checksum out of a bitstream
// replica and returns its bytes.
func (c *Client) RemoveAndGet(ctx context.Context, filename, replicaID, checksum string) ([]byte, error) {
	var out proto.RemoveResponse
	req := proto.RemoveRequest{Replica: replicaID, Checksum: checksum}
	if err := c.postJSON(ctx, "/api/v1/admin/files/"+url.PathEscape(filename)+"/remove", req, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ReplicaChecksums returns the checksum report lines of every file on a replica.
func (c *Client) ReplicaChecksums(ctx context.Context, replicaID string) ([]string, error) {
	var out proto.ChecksumsResponse
	if err := c.getJSON(ctx, "/api/v1/admin/replicas/"+url.PathEscape(replicaID)+"/checksums", c.adminToken, &out); err != nil {
		return nil, err
	}
	return out.Checksums, nil
}

// ReplicaFilenames returns the names of every file on a replica.
func (c *Client) ReplicaFilenames(ctx context.Context, replicaID string) ([]string, error) {
	var out proto.FilenamesResponse
	if err := c.getJSON(ctx, "/api/v1/admin/replicas/"+url.PathEscape(replicaID)+"/filenames", c.adminToken, &out); err != nil {
		return nil, err
	}
	return out.Filenames, nil
}

// Subscribe calls fn for every store outcome until ctx is done or the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, fn func(proto.StoreOutcome)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/events"
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("connect outcome feed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read outcome feed: %w", err)
		}
		var outcome proto.StoreOutcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			return fmt.Errorf("decode outcome: %w", err)
		}
		fn(outcome)
	}
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, c.adminToken, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return errorFromBody(resp.StatusCode, body)
}

func errorFromBody(code int, body []byte) error {
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		if code == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, errResp.Message)
		}
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", code, strings.TrimSpace(string(body)))
}
