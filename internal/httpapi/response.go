package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func failure(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, code, message string) {
	failure(c, http.StatusBadRequest, code, message)
}

func notFound(c *gin.Context, message string) {
	failure(c, http.StatusNotFound, "not_found", message)
}

func serverError(c *gin.Context, err error) {
	logger.Error("httpapi: internal error",
		logger.FieldPath, c.FullPath(),
		logger.FieldError, err,
	)
	failure(c, http.StatusInternalServerError, "internal_error", "服务器内部错误")
}

// writeError 按哨兵错误映射状态码。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, apperrors.ErrRunInProgress):
		failure(c, http.StatusConflict, "run_in_progress", err.Error())
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_request", err.Error())
	default:
		serverError(c, err)
	}
}
