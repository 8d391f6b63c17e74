package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/mrag/internal/model"
	"go.uber.org/zap"
)

// SettingsRepo persists the runtime settings as one JSON document.
type SettingsRepo struct {
	path string
	mu   sync.Mutex
}

func NewSettingsRepo(path string) *SettingsRepo {
	return &SettingsRepo{path: path}
}

func (r *SettingsRepo) Path() string {
	return r.path
}

// Load returns the stored settings; a missing or unreadable file yields the defaults.
func (r *SettingsRepo) Load(ctx context.Context) (*model.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	settings := model.DefaultSettings()
	if err := json.Unmarshal(raw, settings); err != nil {
		logutil.GetLogger(ctx).Warn("settings file is corrupt, using defaults", zap.String("path", r.path), zap.Error(err))
		return model.DefaultSettings(), nil
	}
	return settings, nil
}

func (r *SettingsRepo) Save(ctx context.Context, settings *model.Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
