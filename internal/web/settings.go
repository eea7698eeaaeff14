package web

import (
	"fmt"
	"strings"
	"sync"

	"boussoled/internal/compass"
	"boussoled/internal/config"
)

// ModeStore persists the pointer mode. Failures are logged by the caller
// and never undo the in-memory switch.
type ModeStore interface {
	SaveMode(compass.Mode) error
}

// ConfigModeStore writes compass.mode back into the YAML config file,
// leaving every other setting as loaded.
type ConfigModeStore struct {
	Path string

	mu sync.Mutex
}

func (s *ConfigModeStore) SaveMode(m compass.Mode) error {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("web: config path is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := config.Load(s.Path)
	if err != nil {
		return fmt.Errorf("web: load config: %w", err)
	}
	cfg.Compass.Mode = string(m)
	if err := config.Save(s.Path, cfg); err != nil {
		return fmt.Errorf("web: save config: %w", err)
	}
	return nil
}
