package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"trading-squareoff/internal/confirm"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/scheduler"
	"trading-squareoff/internal/status"
)

// Response is the envelope of every admin response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the error part of the envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeNotFound     = "NOT_FOUND"
	codeBadRequest   = "BAD_REQUEST"
	codeConflict     = "CONFLICT"
	codeUnavailable  = "UNAVAILABLE"
	codeInternal     = "INTERNAL_ERROR"
	codeNotSupported = "NOT_SUPPORTED"
)

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, Response{Error: &Error{Code: code, Message: msg}})
}

func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, codeBadRequest, msg)
}

// handle writes data, or maps err onto a status code.
func handle(c *gin.Context, data any, err error) {
	if err == nil {
		success(c, data)
		return
	}
	switch {
	case errors.Is(err, model.ErrNotFound):
		fail(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, model.ErrTransitionRejected), errors.Is(err, model.ErrStaleRecord),
		errors.Is(err, confirm.ErrNotFlagged):
		fail(c, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidRequest), errors.Is(err, status.ErrInvalidRetention):
		badRequest(c, err.Error())
	case errors.Is(err, scheduler.ErrShuttingDown), errors.Is(err, confirm.ErrNotRunning):
		fail(c, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		slog.Error("admin request failed", "path", c.FullPath(), "error", err)
		fail(c, http.StatusInternalServerError, codeInternal, "An unexpected error occurred")
	}
}
