package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mrag/internal/model"
	"github.com/xxxsen/mrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/pkg/response"
	"github.com/xxxsen/mrag/internal/service"
)

type RAGHandler struct {
	rag            *service.RAGService
	maxUploadBytes int64
}

func NewRAGHandler(rag *service.RAGService, maxUploadBytes int64) *RAGHandler {
	return &RAGHandler{rag: rag, maxUploadBytes: maxUploadBytes}
}

type queryRequest struct {
	Question string `json:"question"`
}

type chunksResponse struct {
	ID     string        `json:"id"`
	Chunks []model.Chunk `json:"chunks"`
}

type deleteResponse struct {
	OK bool `json:"ok"`
}

func (h *RAGHandler) readFile(c *gin.Context, required bool) (string, []byte, error) {
	file, err := c.FormFile("file")
	if err != nil {
		// a bare POST without a multipart body also means no file
		if !required && (errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart)) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("%w: file is required", appErr.ErrInvalid)
	}
	if strings.TrimSpace(file.Filename) == "" {
		return "", nil, fmt.Errorf("%w: filename is required", appErr.ErrInvalid)
	}
	data, err := readUpload(file, h.maxUploadBytes)
	if err != nil {
		return "", nil, err
	}
	return file.Filename, data, nil
}

func (h *RAGHandler) Ingest(c *gin.Context) {
	filename, data, err := h.readFile(c, true)
	if err != nil {
		handleError(c, err)
		return
	}
	res, err := h.rag.Ingest(c.Request.Context(), service.IngestInput{
		DocID:    c.PostForm("doc_id"),
		Filename: filename,
		Data:     data,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Created(c, res)
}

// IngestStream reports ingest progress as server-sent events, one JSON
// object per "data:" line.
func (h *RAGHandler) IngestStream(c *gin.Context) {
	filename, data, err := h.readFile(c, true)
	if err != nil {
		handleError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	emit := func(ev service.ProgressEvent) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
		c.Writer.Flush()
	}
	_, _ = h.rag.IngestWithProgress(c.Request.Context(), service.IngestInput{
		DocID:    c.PostForm("doc_id"),
		Filename: filename,
		Data:     data,
	}, emit)
}

func (h *RAGHandler) ListDocuments(c *gin.Context) {
	docs, err := h.rag.List(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, docs)
}

func (h *RAGHandler) GetChunks(c *gin.Context) {
	id := c.Param("id")
	chunks, err := h.rag.GetChunks(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, chunksResponse{ID: id, Chunks: chunks})
}

func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	if err := h.rag.Delete(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, deleteResponse{OK: true})
}

func (h *RAGHandler) Reingest(c *gin.Context) {
	filename, data, err := h.readFile(c, false)
	if err != nil {
		handleError(c, err)
		return
	}
	res, err := h.rag.Reingest(c.Request.Context(), c.Param("id"), filename, data)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *RAGHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
		return
	}
	res, err := h.rag.Query(c.Request.Context(), req.Question)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *RAGHandler) VectorMap(c *gin.Context) {
	response.Success(c, h.rag.VectorMap(c.Request.Context()))
}
