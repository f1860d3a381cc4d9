// Package svc installs and runs `curator serve` as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dermavision/curator/internal/config"
	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the server with the given configuration file until ctx ends.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured")
			return
		}
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the server and waits for it to drain.
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
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
	AuthToken   string // Passed through the environment, not the command line
}

// DefaultServiceConfig returns the service settings used when no flag
// overrides them.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        "curator",
		DisplayName: "Curator Dataset Pipeline",
		Description: "Curates uploaded image archives into object-detection training manifests",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the platform's default configuration file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "Curator", "curator.yaml")
	}
	return "/etc/curator/curator.yaml"
}

// NewServiceConfig translates cfg into the service manager's settings.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	env := make(map[string]string)
	if cfg.AuthToken != "" {
		env[config.EnvAuthToken] = cfg.AuthToken
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"serve", "--config", cfg.ConfigPath, "--log-json", "--service-run"},
		EnvVars:     env,
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

func control(cfg *ServiceConfig) (service.Service, error) {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only
// with force.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
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
	s, err := control(cfg)
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

// Control sends one of start, stop or restart to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	switch action {
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
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

// Run hands prg to the service manager and blocks until it stops it.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges reports whether service management can be attempted.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
