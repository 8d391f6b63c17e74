package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mrag/internal/middleware"
)

const HealthPath = "/health"

type RouterDeps struct {
	Health    *HealthHandler
	RAG       *RAGHandler
	Settings  *SettingsHandler
	RateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET(HealthPath, deps.Health.Health)

	limited := middleware.RateLimit(deps.RateLimit)
	ragGroup := api.Group("/rag")
	ragGroup.POST("/ingest", limited, deps.RAG.Ingest)
	ragGroup.POST("/ingest-stream", limited, deps.RAG.IngestStream)
	ragGroup.GET("/documents", deps.RAG.ListDocuments)
	ragGroup.GET("/documents/:id/chunks", deps.RAG.GetChunks)
	ragGroup.DELETE("/documents/:id", deps.RAG.DeleteDocument)
	ragGroup.POST("/documents/:id/reingest", limited, deps.RAG.Reingest)
	ragGroup.POST("/query", limited, deps.RAG.Query)
	ragGroup.GET("/vector-map", deps.RAG.VectorMap)

	api.GET("/settings", deps.Settings.Get)
	api.PUT("/settings", deps.Settings.Update)
}
