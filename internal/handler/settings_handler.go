package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mrag/internal/pkg/errcode"
	"github.com/xxxsen/mrag/internal/pkg/response"
	"github.com/xxxsen/mrag/internal/service"
)

const maxSettingsBody = 1 << 20

type SettingsHandler struct {
	settings *service.SettingsService
}

func NewSettingsHandler(settings *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) Get(c *gin.Context) {
	s, err := h.settings.Get(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, s)
}

func (h *SettingsHandler) Update(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSettingsBody))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
		return
	}
	s, err := h.settings.Save(c.Request.Context(), raw)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, s)
}
