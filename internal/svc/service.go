// Package svc installs and runs arcrepo as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes, named after the CLI command they run.
const (
	ModeServe   = "serve"
	ModeReplica = "replica"
)

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // e.g. "arcrepo", "arcrepo-replica"
	DisplayName string
	Description string
	Mode        string // ModeServe or ModeReplica
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// NewServiceConfig fills unset fields with the defaults of cfg.Mode.
func NewServiceConfig(mode, name, configPath string) (*ServiceConfig, error) {
	if mode != ModeServe && mode != ModeReplica {
		return nil, fmt.Errorf("unknown service mode %q", mode)
	}
	cfg := &ServiceConfig{
		Name:       name,
		Mode:       mode,
		ConfigPath: configPath,
	}
	if cfg.Name == "" {
		cfg.Name = "arcrepo"
		if mode == ModeReplica {
			cfg.Name = "arcrepo-replica"
		}
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = DefaultConfigPath(mode)
	}
	if abs, err := filepath.Abs(cfg.ConfigPath); err == nil {
		cfg.ConfigPath = abs
	}
	if mode == ModeServe {
		cfg.DisplayName = "Arcrepo Coordinator"
		cfg.Description = "Arcrepo archive repository replication coordinator"
	} else {
		cfg.DisplayName = "Arcrepo Replica"
		cfg.Description = "Arcrepo archive repository replica node"
	}
	return cfg, nil
}

// DefaultConfigPath returns the platform config file path of mode.
func DefaultConfigPath(mode string) string {
	configDir := "/etc/arcrepo"
	if runtime.GOOS == "windows" {
		configDir = filepath.Join(os.Getenv("ProgramData"), "Arcrepo")
	}
	if mode == ModeReplica {
		return filepath.Join(configDir, "replica.yaml")
	}
	return filepath.Join(configDir, "server.yaml")
}

// Arguments returns the command line the service manager starts.
func (cfg *ServiceConfig) Arguments() []string {
	return []string{cfg.Mode, "--config", cfg.ConfigPath, ServiceRunFlag}
}

func (cfg *ServiceConfig) serviceConfig() *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, cfg.serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only with force.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action ("start", "stop" or "restart") to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns a human-readable status of the service.
func Status(cfg *ServiceConfig) (string, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return "not installed", nil
		}
		return "", err
	}
	return StatusString(status), nil
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the user may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
