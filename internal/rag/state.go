package rag

import "github.com/xxxsen/mrag/internal/model"

const (
	RetrievalSimilarity = "similarity"
	RetrievalKeyword    = "keyword"

	GenerationLLM         = "llm"
	GenerationNoDocuments = "no_documents"
	GenerationNoLLM       = "no_llm"
)

// State is threaded through retrieval and generation. Retrieval fills
// RetrievedChunks, RetrievalMethod and Context; generation fills the rest.
type State struct {
	Question        string
	Context         string
	RetrievedChunks []model.RetrievedChunk
	RetrievalMethod string
	Answer          string
	Sources         []string
	Generation      string
}

type Result struct {
	Answer          string                 `json:"answer"`
	Sources         []string               `json:"sources"`
	RetrievedChunks []model.RetrievedChunk `json:"retrieved_chunks"`
	RetrievalMethod string                 `json:"retrieval_method"`
	Generation      string                 `json:"generation"`
}

func (s *State) result() *Result {
	return &Result{
		Answer:          s.Answer,
		Sources:         s.Sources,
		RetrievedChunks: s.RetrievedChunks,
		RetrievalMethod: s.RetrievalMethod,
		Generation:      s.Generation,
	}
}
