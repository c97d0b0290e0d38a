// Package config handles configuration loading and validation for arcrepo.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/netarchive/arcrepo/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Replica kinds accepted in configuration.
const (
	KindBitstream = "bitstream"
	KindChecksum  = "checksum"
)

// ReplicaEntry names one replica the coordinator stores files on.
type ReplicaEntry struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`    // bitstream or checksum
	Channel string `yaml:"channel"` // Base URL of the replica node
}

// ServerConfig holds configuration for the coordinator.
type ServerConfig struct {
	Listen        string         `yaml:"listen"`
	PublicURL     string         `yaml:"public_url"` // URL replicas use to reach the coordinator (default: derived from listen)
	DataDir       string         `yaml:"data_dir"`   // Admin database and staging area (default: /var/lib/arcrepo)
	AuthToken     string         `yaml:"auth_token"` // Shared with replica nodes for message transport
	AdminToken    string         `yaml:"admin_token"`
	UploadRetries int            `yaml:"upload_retries"` // Re-uploads per replica after a missing checksum
	QueryTimeout  string         `yaml:"query_timeout"`  // Duration string, e.g. "30s"
	RateLimit     float64        `yaml:"rate_limit"`     // Inbound messages per second
	RateBurst     int            `yaml:"rate_burst"`
	RemovalSecret string         `yaml:"removal_secret"` // Signs remove-and-get credentials
	MaxFileSize   bytesize.Size  `yaml:"max_file_size"`  // Largest accepted upload, e.g. "4GB" (default: 10GB)
	LogLevel      string         `yaml:"log_level"`
	LokiURL       string         `yaml:"loki_url"` // Optional Loki base URL receiving logs
	Replicas      []ReplicaEntry `yaml:"replicas"`

	// upload_retries is an int whose zero value is meaningful.
	retriesSet bool
}

// ReplicaConfig holds configuration for a replica node.
type ReplicaConfig struct {
	ID            string  `yaml:"id"`
	Kind          string  `yaml:"kind"`
	Listen        string  `yaml:"listen"`
	DataDir       string  `yaml:"data_dir"` // default: /var/lib/arcrepo-replica
	AuthToken     string  `yaml:"auth_token"`
	RemovalSecret string  `yaml:"removal_secret"`
	Workers       int     `yaml:"workers"`    // Message worker pool size (default: 4)
	QueueSize     int     `yaml:"queue_size"` // Pending messages before rejecting (default: 256)
	RateLimit     float64 `yaml:"rate_limit"`
	RateBurst     int     `yaml:"rate_burst"`
	LogLevel      string  `yaml:"log_level"`
	LokiURL       string  `yaml:"loki_url"`
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadServerConfig loads coordinator configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	var raw struct {
		UploadRetries *int `yaml:"upload_retries"`
	}
	if err := readYAML(path, &raw); err != nil {
		return nil, err
	}
	cfg.retriesSet = raw.UploadRetries != nil

	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/arcrepo"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.PublicURL == "" {
		c.PublicURL = urlFromListen(c.Listen)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if !c.retriesSet {
		c.UploadRetries = 3
	}
	if c.QueryTimeout == "" {
		c.QueryTimeout = "30s"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = bytesize.Size(10 * bytesize.GB)
	}
	for i := range c.Replicas {
		c.Replicas[i].Channel = strings.TrimRight(c.Replicas[i].Channel, "/")
	}
}

// QueryTimeoutDuration returns the parsed query timeout.
func (c *ServerConfig) QueryTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.QueryTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("upload_retries must not be negative")
	}
	if d, err := time.ParseDuration(c.QueryTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid query_timeout %q", c.QueryTimeout)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must not be negative")
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("invalid public_url: %w", err)
	}
	if err := validateOptionalURL("loki_url", c.LokiURL); err != nil {
		return err
	}

	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}
	seen := make(map[string]bool, len(c.Replicas))
	for i, r := range c.Replicas {
		if r.ID == "" {
			return fmt.Errorf("replicas[%d].id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate replica id %q", r.ID)
		}
		seen[r.ID] = true
		if err := validateKind(r.Kind); err != nil {
			return fmt.Errorf("replicas[%d]: %w", i, err)
		}
		if r.Channel == "" {
			return fmt.Errorf("replicas[%d].channel is required", i)
		}
		if _, err := url.ParseRequestURI(r.Channel); err != nil {
			return fmt.Errorf("replicas[%d].channel: %w", i, err)
		}
	}
	return nil
}

// LoadReplicaConfig loads replica node configuration from a YAML file.
func LoadReplicaConfig(path string) (*ReplicaConfig, error) {
	cfg := &ReplicaConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8081"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/arcrepo-replica"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 100
	}

	return cfg, nil
}

// Validate checks if the replica configuration is valid.
func (c *ReplicaConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := validateKind(c.Kind); err != nil {
		return err
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	return validateOptionalURL("loki_url", c.LokiURL)
}

func validateOptionalURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(raw); err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	return nil
}

func validateKind(kind string) error {
	switch kind {
	case KindBitstream, KindChecksum:
		return nil
	case "":
		return fmt.Errorf("kind is required")
	}
	return fmt.Errorf("unknown replica kind %q", kind)
}

// ApplyLogLevel sets the global zerolog level. It reports whether level was
// a valid, non-empty level name.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// urlFromListen derives a local URL from a listen address such as ":8080".
func urlFromListen(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}
