package nginx

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

// SharedConfig is the shared-state side of config distribution: one instance
// publishes, the rest pull.
type SharedConfig interface {
	PutProxyConfig(ctx context.Context, content string) error
	GetProxyConfig(ctx context.Context) (string, error)
	LastProxyUpdate(ctx context.Context) (time.Time, error)
}

// Service owns the local nginx config file: rendering, validation, atomic
// writes, the reload command, and drift sync against the shared store.
type Service struct {
	configPath    string
	reloadCommand string
	reloadTimeout time.Duration
	shared        SharedConfig

	mu            sync.Mutex
	currentConfig string
	lastUpdate    time.Time
}

// NewService prepares the config directory and recovers the current artifact
// from the shared store or, failing that, the file on disk.
func NewService(ctx context.Context, configPath, reloadCommand string, reloadTimeout time.Duration, shared SharedConfig) (*Service, error) {
	if configPath == "" {
		return nil, fmt.Errorf("nginx config path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	s := &Service{
		configPath:    configPath,
		reloadCommand: reloadCommand,
		reloadTimeout: reloadTimeout,
		shared:        shared,
	}

	if content, err := shared.GetProxyConfig(ctx); err == nil && content != "" {
		s.currentConfig = content
	} else if data, err := os.ReadFile(configPath); err == nil {
		s.currentConfig = string(data)
	}
	return s, nil
}

// UpdateDualUpstream renders the pools' allocations, publishes the artifact
// to the shared store and applies it locally.
func (s *Service) UpdateDualUpstream(ctx context.Context, incoming, outgoing []model.WeightAllocation) error {
	log.Printf("[nginx] updating dual upstream configuration: %d incoming, %d outgoing servers",
		len(incoming), len(outgoing))

	config := Generate(incoming, outgoing)

	if err := s.shared.PutProxyConfig(ctx, config); err != nil {
		log.Printf("[nginx] warning: failed to publish config to shared store: %v", err)
	}
	return s.Apply(ctx, config)
}

// Apply validates and materializes a configuration: backup, atomic write,
// reload. On any failure the previous in-memory artifact is kept.
func (s *Service) Apply(ctx context.Context, config string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Validate(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := s.writeAtomic(config); err != nil {
		return err
	}

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}

	s.currentConfig = config
	s.lastUpdate = time.Now().UTC()
	log.Printf("[nginx] configuration updated and reloaded")
	return nil
}

// writeAtomic backs up the existing file, then writes the new content to a
// temp file in the same directory and renames it into place.
func (s *Service) writeAtomic(config string) error {
	if _, err := os.Stat(s.configPath); err == nil {
		backup := fmt.Sprintf("%s.backup.%d", s.configPath, time.Now().Unix())
		if data, err := os.ReadFile(s.configPath); err == nil {
			if err := os.WriteFile(backup, data, 0o664); err != nil {
				log.Printf("[nginx] warning: backup write failed: %v", err)
			}
		}
	}

	dir := filepath.Dir(s.configPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.configPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(config); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o664); err != nil {
		log.Printf("[nginx] warning: chmod failed: %v", err)
	}
	if err := os.Rename(tmpPath, s.configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// reload runs the configured reload command; a non-zero exit fails the apply.
func (s *Service) reload(ctx context.Context) error {
	fields := strings.Fields(s.reloadCommand)
	if len(fields) == 0 {
		return fmt.Errorf("reload command is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, s.reloadTimeout)
	defer cancel()

	log.Printf("[nginx] executing reload: %s", s.reloadCommand)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (output: %s)", s.reloadCommand, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SyncFromShared pulls the shared artifact when it is newer than the local
// one. Runs on every drift-sync tick.
func (s *Service) SyncFromShared(ctx context.Context) error {
	sharedTime, err := s.shared.LastProxyUpdate(ctx)
	if err != nil {
		return fmt.Errorf("read shared config timestamp: %w", err)
	}
	if sharedTime.IsZero() {
		return nil
	}

	s.mu.Lock()
	local := s.lastUpdate
	current := s.currentConfig
	s.mu.Unlock()

	if !local.IsZero() && !sharedTime.After(local) {
		return nil
	}

	config, err := s.shared.GetProxyConfig(ctx)
	if err != nil {
		return fmt.Errorf("read shared config: %w", err)
	}
	if config == "" {
		return nil
	}
	if config == current {
		s.mu.Lock()
		s.lastUpdate = sharedTime
		s.mu.Unlock()
		return nil
	}

	log.Printf("[nginx] syncing configuration from shared store (updated at %s)", sharedTime.Format(time.RFC3339))
	return s.Apply(ctx, config)
}

// ForceRefresh discards the local timestamp and pulls unconditionally.
func (s *Service) ForceRefresh(ctx context.Context) error {
	log.Printf("[nginx] forcing configuration refresh from shared store")
	s.mu.Lock()
	s.lastUpdate = time.Time{}
	s.mu.Unlock()
	return s.SyncFromShared(ctx)
}

// Current returns the in-memory artifact, falling back to disk.
func (s *Service) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentConfig != "" {
		return s.currentConfig
	}
	if data, err := os.ReadFile(s.configPath); err == nil {
		s.currentConfig = string(data)
	}
	return s.currentConfig
}

// LastUpdate returns when this instance last applied a configuration.
func (s *Service) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// InSync reports whether the local artifact is at least as new as the shared one.
func (s *Service) InSync(ctx context.Context) bool {
	sharedTime, err := s.shared.LastProxyUpdate(ctx)
	if err != nil || sharedTime.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUpdate.IsZero() {
		return false
	}
	return !sharedTime.After(s.lastUpdate)
}
