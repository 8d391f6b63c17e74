package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/docstore"
	"github.com/xxxsen/mrag/internal/extract"
	"github.com/xxxsen/mrag/internal/filestore"
	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/rag"
	"github.com/xxxsen/mrag/internal/splitter"
	"github.com/xxxsen/mrag/internal/vectorstore"
)

const (
	ProgressReceived   = "received"
	ProgressExtracting = "extracting"
	ProgressChunking   = "chunking"
	ProgressStoring    = "storing"
	ProgressDone       = "done"
	ProgressError      = "error"

	vectorMapCacheTTL = 10 * time.Minute
)

type IngestInput struct {
	DocID    string
	Filename string
	Data     []byte
}

type IngestResult struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
}

type ProgressEvent struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Chunks   int    `json:"chunks,omitempty"`
}

type VectorMapResult struct {
	Available bool                   `json:"available"`
	Points    []model.VectorMapPoint `json:"points"`
}

type RAGService struct {
	store     *docstore.Store
	pipeline  *rag.Pipeline
	settings  *SettingsService
	extractor *extract.Extractor
	files     filestore.Store
	mapCache  *expirable.LRU[uint64, []model.VectorMapPoint]
}

// NewRAGService wires the ingest and query paths. files may be nil when
// originals are not archived.
func NewRAGService(store *docstore.Store, pipeline *rag.Pipeline, settings *SettingsService, extractor *extract.Extractor, files filestore.Store) *RAGService {
	return &RAGService{
		store:     store,
		pipeline:  pipeline,
		settings:  settings,
		extractor: extractor,
		files:     files,
		mapCache:  expirable.NewLRU[uint64, []model.VectorMapPoint](4, nil, vectorMapCacheTTL),
	}
}

func (s *RAGService) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	return s.IngestWithProgress(ctx, in, nil)
}

// IngestWithProgress extracts, chunks and stores a document, reporting each
// stage to emit. A failed ingest stores nothing.
func (s *RAGService) IngestWithProgress(ctx context.Context, in IngestInput, emit func(ProgressEvent)) (*IngestResult, error) {
	if emit == nil {
		emit = func(ProgressEvent) {}
	}
	res, err := s.ingest(ctx, in, emit)
	if err != nil {
		emit(ProgressEvent{Status: ProgressError, Message: PublicMessage(err), ID: in.DocID, Filename: in.Filename})
		return nil, err
	}
	emit(ProgressEvent{Status: ProgressDone, ID: res.ID, Filename: res.Filename, Chunks: res.Chunks})
	return res, nil
}

func (s *RAGService) ingest(ctx context.Context, in IngestInput, emit func(ProgressEvent)) (*IngestResult, error) {
	filename := strings.TrimSpace(in.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", appErr.ErrInvalid)
	}
	docID := strings.TrimSpace(in.DocID)
	if docID == "" {
		docID = uuid.NewString()
	}
	if docstore.IsStagingID(docID) {
		return nil, fmt.Errorf("%w: document id must not end with %s", appErr.ErrInvalid, docstore.StagingSuffix)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", docID), zap.String("filename", filename))
	emit(ProgressEvent{Status: ProgressReceived, ID: docID, Filename: filename})

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	emit(ProgressEvent{Status: ProgressExtracting, ID: docID, Filename: filename})
	text, err := s.extractor.Extract(ctx, in.Data, filename, settings.Extraction)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		logger.Info("no extractor for format, decoding raw bytes")
		text = extract.DecodeBestEffort(in.Data)
	case err != nil:
		logger.Error("extract document failed", zap.Error(err))
		return nil, err
	case strings.TrimSpace(text) == "":
		text = extract.DecodeBestEffort(in.Data)
	}

	emit(ProgressEvent{Status: ProgressChunking, ID: docID, Filename: filename})
	chunks := splitter.Split(text, splitter.OptionsFromSettings(settings.Chunks))
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document contains no text", appErr.ErrInvalid)
	}

	emit(ProgressEvent{Status: ProgressStoring, ID: docID, Filename: filename, Chunks: len(chunks)})
	if err := s.store.AddDocument(ctx, docID, filename, chunks); err != nil {
		logger.Error("store document failed", zap.Error(err))
		return nil, err
	}
	s.archive(ctx, docID, in.Data)
	logger.Info("document ingested", zap.Int("chunks", len(chunks)), zap.String("mode", s.store.Mode()))
	return &IngestResult{ID: docID, Filename: filename, Chunks: len(chunks)}, nil
}

func (s *RAGService) archive(ctx context.Context, docID string, data []byte) {
	if s.files == nil {
		return
	}
	if err := s.files.Save(ctx, filestore.KeyForDocument(docID), bytes.NewReader(data), int64(len(data))); err != nil {
		logutil.GetLogger(ctx).Warn("archive original failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

// Reingest replaces docID with a new upload, or with its archived original
// re-chunked under the current settings when data is nil.
func (s *RAGService) Reingest(ctx context.Context, docID, filename string, data []byte) (*IngestResult, error) {
	summary, err := s.findDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data, err = s.loadArchive(ctx, docID)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(filename) == "" {
		filename = summary.Filename
	}
	return s.Ingest(ctx, IngestInput{DocID: docID, Filename: filename, Data: data})
}

func (s *RAGService) findDocument(ctx context.Context, docID string) (*model.DocumentSummary, error) {
	if docstore.IsStagingID(docID) {
		return nil, appErr.ErrNotFound
	}
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == docID {
			return &docs[i], nil
		}
	}
	return nil, appErr.ErrNotFound
}

func (s *RAGService) loadArchive(ctx context.Context, docID string) ([]byte, error) {
	if s.files == nil {
		return nil, fmt.Errorf("%w: originals are not archived, upload the file again", appErr.ErrInvalid)
	}
	rc, err := s.files.Open(ctx, filestore.KeyForDocument(docID))
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return nil, fmt.Errorf("%w: no archived original, upload the file again", appErr.ErrInvalid)
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *RAGService) List(ctx context.Context) ([]model.DocumentSummary, error) {
	return s.store.ListDocuments(ctx)
}

func (s *RAGService) GetChunks(ctx context.Context, docID string) ([]model.Chunk, error) {
	if docstore.IsStagingID(docID) {
		return nil, appErr.ErrNotFound
	}
	chunks, err := s.store.GetChunks(ctx, docID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embedding = nil
	}
	return chunks, nil
}

func (s *RAGService) Delete(ctx context.Context, docID string) error {
	if docstore.IsStagingID(docID) {
		return appErr.ErrNotFound
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if s.files != nil {
		if err := s.files.Delete(ctx, filestore.KeyForDocument(docID)); err != nil {
			logutil.GetLogger(ctx).Warn("delete archived original failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
	return nil
}

func (s *RAGService) Query(ctx context.Context, question string) (*rag.Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is required", appErr.ErrInvalid)
	}
	return s.pipeline.Run(ctx, question)
}

func (s *RAGService) VectorMap(ctx context.Context) *VectorMapResult {
	backend := s.store.Vector()
	if backend == nil || !backend.IsAvailable() {
		return &VectorMapResult{Available: false, Points: []model.VectorMapPoint{}}
	}
	version := s.store.Version()
	if points, ok := s.mapCache.Get(version); ok {
		return &VectorMapResult{Available: true, Points: points}
	}
	all := vectorstore.VectorMap(ctx, backend, vectorstore.DefaultSnippetLen)
	points := make([]model.VectorMapPoint, 0, len(all))
	for _, p := range all {
		if docstore.IsStagingID(p.DocID) {
			continue
		}
		points = append(points, p)
	}
	s.mapCache.Add(version, points)
	return &VectorMapResult{Available: true, Points: points}
}

// PublicMessage is the error text safe to show to API clients.
func PublicMessage(err error) string {
	var serr *model.SettingsError
	switch {
	case errors.As(err, &serr):
		return serr.Error()
	case errors.Is(err, appErr.ErrNotFound):
		return "document not found"
	case errors.Is(err, appErr.ErrInvalid):
		return err.Error()
	case errors.Is(err, appErr.ErrExtraction):
		return "document extraction failed"
	case errors.Is(err, appErr.ErrStoreFailure):
		return "document store failure"
	default:
		return "internal error"
	}
}
