package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/repo"
)

func newSettingsService(t *testing.T) (*SettingsService, *repo.SettingsRepo) {
	t.Helper()
	r := repo.NewSettingsRepo(filepath.Join(t.TempDir(), "settings.json"))
	return NewSettingsService(r), r
}

func TestSettingsDefaults(t *testing.T) {
	svc, _ := newSettingsService(t)
	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.DefaultSettings(), s)

	s.Chunks.ChunkSize = 1
	again, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1000, again.Chunks.ChunkSize)
}

func TestSettingsPartialMerge(t *testing.T) {
	ctx := context.Background()
	svc, r := newSettingsService(t)
	saved, err := svc.Save(ctx, []byte(`{"chunks":{"chunk_size":500},"retriever":{"k":8}}`))
	require.NoError(t, err)
	require.Equal(t, 500, saved.Chunks.ChunkSize)
	require.Equal(t, 200, saved.Chunks.ChunkOverlap)
	require.Equal(t, 8, saved.Retriever.K)
	require.Equal(t, "gpt-4o-mini", saved.Chat.Model)

	saved, err = svc.Save(ctx, []byte(`{"extraction":{"max_size_mb":20,"table_mode":"FAST"}}`))
	require.NoError(t, err)
	require.Equal(t, 500, saved.Chunks.ChunkSize)
	require.NotNil(t, saved.Extraction.MaxSizeMB)
	require.Equal(t, 20, *saved.Extraction.MaxSizeMB)

	onDisk, err := r.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, saved, onDisk)
}

func TestSettingsRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		section string
		field   string
	}{
		{"unknown section", `{"docling":{}}`, "docling", ""},
		{"unknown key", `{"chunks":{"size":10}}`, "chunks", ""},
		{"wrong type", `{"retriever":{"k":"five"}}`, "retriever", ""},
		{"size too small", `{"chunks":{"chunk_size":10}}`, "chunks", "chunk_size"},
		{"k too large", `{"retriever":{"k":21}}`, "retriever", "k"},
		{"temperature", `{"chat":{"temperature":2.5}}`, "chat", "temperature"},
		{"table mode", `{"extraction":{"table_mode":"SLOW"}}`, "extraction", "table_mode"},
		{"max size", `{"extraction":{"max_size_mb":501}}`, "extraction", "max_size_mb"},
		{"no separators", `{"chunks":{"separators":[]}}`, "chunks", "separators"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newSettingsService(t)
			_, err := svc.Save(ctx, []byte(tt.payload))
			require.Error(t, err)
			require.True(t, errors.Is(err, appErr.ErrValidation))
			var serr *model.SettingsError
			require.True(t, errors.As(err, &serr))
			require.Equal(t, tt.section, serr.Section)
			if tt.field != "" {
				require.Equal(t, tt.field, serr.Field)
			}

			cur, err := svc.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, model.DefaultSettings(), cur)
		})
	}
}

func TestSettingsNotAnObject(t *testing.T) {
	svc, _ := newSettingsService(t)
	_, err := svc.Save(context.Background(), []byte(`[1,2]`))
	require.True(t, errors.Is(err, appErr.ErrInvalid))
}

// gatedRepo holds every Save until the test lets it through.
type gatedRepo struct {
	*repo.SettingsRepo
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) Save(ctx context.Context, settings *model.Settings) error {
	g.entered <- struct{}{}
	<-g.release
	return g.SettingsRepo.Save(ctx, settings)
}

func TestSettingsConcurrentSavesKeepBothSections(t *testing.T) {
	ctx := context.Background()
	g := &gatedRepo{
		SettingsRepo: repo.NewSettingsRepo(filepath.Join(t.TempDir(), "settings.json")),
		entered:      make(chan struct{}, 2),
		release:      make(chan struct{}, 2),
	}
	svc := NewSettingsService(g)

	first := make(chan error, 1)
	go func() {
		_, err := svc.Save(ctx, []byte(`{"retriever":{"k":3}}`))
		first <- err
	}()
	<-g.entered

	second := make(chan error, 1)
	go func() {
		_, err := svc.Save(ctx, []byte(`{"chat":{"temperature":1.5}}`))
		second <- err
	}()
	// let the second save run as far as it can while the first is in flight
	time.Sleep(50 * time.Millisecond)

	g.release <- struct{}{}
	require.NoError(t, <-first)
	g.release <- struct{}{}
	require.NoError(t, <-second)

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, got.Retriever.K)
	require.InDelta(t, 1.5, got.Chat.Temperature, 1e-9)

	stored, err := g.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Retriever.K)
	require.InDelta(t, 1.5, stored.Chat.Temperature, 1e-9)
}
