package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

type SettingsRepo interface {
	Load(ctx context.Context) (*model.Settings, error)
	Save(ctx context.Context, settings *model.Settings) error
}

// SettingsService owns the runtime settings. Readers get a private copy.
type SettingsService struct {
	repo     SettingsRepo
	validate *validator.Validate

	mu      sync.RWMutex
	current *model.Settings
	// saveMu serialises the read-merge-write in Save.
	saveMu sync.Mutex
}

func NewSettingsService(repo SettingsRepo) *SettingsService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &SettingsService{repo: repo, validate: v}
}

func (s *SettingsService) Get(ctx context.Context) (*model.Settings, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil {
		return cur.Clone(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		loaded, err := s.repo.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.current = loaded
	}
	return s.current.Clone(), nil
}

// Save merges a partial settings document onto the current settings. Keys
// missing from raw keep their value; unknown sections or keys are rejected.
func (s *SettingsService) Save(ctx context.Context, raw []byte) (*model.Settings, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("%w: settings must be a json object", appErr.ErrInvalid)
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	cur, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	targets := map[string]interface{}{
		"chunks":     &cur.Chunks,
		"extraction": &cur.Extraction,
		"retriever":  &cur.Retriever,
		"chat":       &cur.Chat,
	}
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dst, ok := targets[name]
		if !ok {
			return nil, &model.SettingsError{Section: name, Reason: "unknown section"}
		}
		dec := json.NewDecoder(bytes.NewReader(sections[name]))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return nil, &model.SettingsError{Section: name, Reason: err.Error()}
		}
	}
	if err := s.check(cur); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, cur); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	s.current = cur.Clone()
	s.mu.Unlock()
	logutil.GetLogger(ctx).Info("settings updated", zap.Strings("sections", names))
	return cur, nil
}

func (s *SettingsService) check(settings *model.Settings) error {
	err := s.validate.Struct(settings)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", appErr.ErrValidation, err)
	}
	fe := verrs[0]
	// Settings.<section>.<field>
	parts := strings.SplitN(fe.Namespace(), ".", 3)
	out := &model.SettingsError{Reason: describeRule(fe)}
	if len(parts) > 1 {
		out.Section = parts[1]
	}
	if len(parts) > 2 {
		out.Field = parts[2]
	}
	return out
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
