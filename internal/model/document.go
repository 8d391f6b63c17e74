package model

// Chunk is one stored fragment of a document. Embedding is only set by vector backends.
type Chunk struct {
	Text       string    `json:"text"`
	ChunkIndex int       `json:"chunk_index"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

type DocumentSummary struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
}

// RetrievedChunk is a retrieval hit. Score is a distance (lower is closer) and
// is nil for keyword hits.
type RetrievedChunk struct {
	Text  string   `json:"text"`
	Score *float64 `json:"score"`
}

// VectorPoint is a stored chunk together with its embedding.
type VectorPoint struct {
	ID         string    `json:"id"`
	DocID      string    `json:"doc_id"`
	Filename   string    `json:"filename"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

type VectorMapPoint struct {
	ID          string  `json:"id"`
	DocID       string  `json:"doc_id"`
	Filename    string  `json:"filename"`
	ChunkIndex  int     `json:"chunk_index"`
	TextSnippet string  `json:"text_snippet"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}
