package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mrag/internal/pkg/response"
)

// StatusSource reports which capabilities the process is running with.
type StatusSource interface {
	Mode() string
	LLMAvailable() bool
	EmbeddingAvailable() bool
}

type HealthHandler struct {
	status StatusSource
}

func NewHealthHandler(status StatusSource) *HealthHandler {
	return &HealthHandler{status: status}
}

type healthResponse struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	LLM       bool   `json:"llm"`
	Embedding bool   `json:"embedding"`
}

func (h *HealthHandler) Health(c *gin.Context) {
	response.Success(c, healthResponse{
		Status:    "ok",
		Storage:   h.status.Mode(),
		LLM:       h.status.LLMAvailable(),
		Embedding: h.status.EmbeddingAvailable(),
	})
}
