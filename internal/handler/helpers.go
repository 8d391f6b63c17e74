package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/middleware"
	"github.com/xxxsen/mrag/internal/model"
	"github.com/xxxsen/mrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/xxxsen/mrag/internal/pkg/response"
	"github.com/xxxsen/mrag/internal/service"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestID)
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	msg := service.PublicMessage(err)
	var serr *model.SettingsError
	switch {
	case errors.As(err, &serr):
		response.ErrorWithStatus(c, http.StatusUnprocessableEntity, errcode.ErrSettingsInvalid, msg)
	case errors.Is(err, appErr.ErrUnauthorized):
		response.ErrorWithStatus(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.ErrorWithStatus(c, http.StatusForbidden, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, errcode.ErrNotFound, msg)
	case errors.Is(err, appErr.ErrInvalid), errors.Is(err, appErr.ErrValidation):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, msg)
	case errors.Is(err, appErr.ErrTooMany):
		response.ErrorWithStatus(c, http.StatusTooManyRequests, errcode.ErrTooMany, "too many requests")
	case errors.Is(err, appErr.ErrExtraction):
		response.ErrorWithStatus(c, http.StatusUnprocessableEntity, errcode.ErrExtractionFailed, msg)
	case errors.Is(err, appErr.ErrStoreFailure):
		response.ErrorWithStatus(c, http.StatusInternalServerError, errcode.ErrStoreFailed, msg)
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, errcode.ErrInternal, "internal error")
	}
}
