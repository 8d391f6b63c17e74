package service

import "github.com/xxxsen/mrag/internal/docstore"

type capabilities interface {
	IsAvailable() bool
	EmbeddingAvailable() bool
}

// StatusService summarises the storage mode and AI capabilities for health checks.
type StatusService struct {
	store *docstore.Store
	ai    capabilities
}

func NewStatusService(store *docstore.Store, ai capabilities) *StatusService {
	return &StatusService{store: store, ai: ai}
}

func (s *StatusService) Mode() string {
	return s.store.Mode()
}

func (s *StatusService) LLMAvailable() bool {
	return s.ai != nil && s.ai.IsAvailable()
}

func (s *StatusService) EmbeddingAvailable() bool {
	return s.ai != nil && s.ai.EmbeddingAvailable()
}
