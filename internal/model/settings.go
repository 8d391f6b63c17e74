package model

import (
	"fmt"

	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

const (
	TableModeAccurate = "ACCURATE"
	TableModeFast     = "FAST"
)

type Settings struct {
	Chunks     ChunkSettings      `json:"chunks"`
	Extraction ExtractionSettings `json:"extraction"`
	Retriever  RetrieverSettings  `json:"retriever"`
	Chat       ChatSettings       `json:"chat"`
}

type ChunkSettings struct {
	ChunkSize    int      `json:"chunk_size" validate:"min=100,max=10000"`
	ChunkOverlap int      `json:"chunk_overlap" validate:"min=0,max=2000"`
	Separators   []string `json:"separators" validate:"min=1"`
}

type ExtractionSettings struct {
	MaxPages       *int    `json:"max_pages" validate:"omitempty,min=1,max=10000"`
	MaxSizeMB      *int    `json:"max_size_mb" validate:"omitempty,min=1,max=500"`
	TableStructure bool    `json:"table_structure"`
	CellMatching   bool    `json:"cell_matching"`
	TableMode      string  `json:"table_mode" validate:"oneof=ACCURATE FAST"`
	RemoteServices bool    `json:"remote_services"`
	ArtifactsPath  *string `json:"artifacts_path"`
}

type RetrieverSettings struct {
	K int `json:"k" validate:"min=1,max=20"`
}

type ChatSettings struct {
	Model       string  `json:"model" validate:"min=1"`
	Temperature float64 `json:"temperature" validate:"min=0,max=2"`
}

func DefaultSettings() *Settings {
	return &Settings{
		Chunks: ChunkSettings{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			Separators:   []string{"\n\n", "\n", " ", ""},
		},
		Extraction: ExtractionSettings{
			TableStructure: true,
			CellMatching:   true,
			TableMode:      TableModeAccurate,
		},
		Retriever: RetrieverSettings{K: 5},
		Chat: ChatSettings{
			Model:       "gpt-4o-mini",
			Temperature: 0,
		},
	}
}

// Clone returns a deep copy so callers can merge into it without touching shared state.
func (s *Settings) Clone() *Settings {
	out := *s
	out.Chunks.Separators = append([]string(nil), s.Chunks.Separators...)
	if s.Extraction.MaxPages != nil {
		v := *s.Extraction.MaxPages
		out.Extraction.MaxPages = &v
	}
	if s.Extraction.MaxSizeMB != nil {
		v := *s.Extraction.MaxSizeMB
		out.Extraction.MaxSizeMB = &v
	}
	if s.Extraction.ArtifactsPath != nil {
		v := *s.Extraction.ArtifactsPath
		out.Extraction.ArtifactsPath = &v
	}
	return &out
}

// SettingsError reports which section of a settings payload was rejected.
type SettingsError struct {
	Section string
	Field   string
	Reason  string
}

func (e *SettingsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("settings.%s: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("settings.%s.%s: %s", e.Section, e.Field, e.Reason)
}

func (e *SettingsError) Unwrap() error {
	return appErr.ErrValidation
}
