package presenter

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// OK wraps a successful response.
func OK(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

func BadRequest(c echo.Context, err error) error {
	zap.L().Debug("bad request", zap.Error(err))
	return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func BadRequestMessage(c echo.Context, msg string) error {
	zap.L().Debug("bad request", zap.String("reason", msg))
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func NotFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func Unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "authentication required"})
}

func InternalError(c echo.Context, err error) error {
	zap.L().Error("internal error", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// StatusOf maps domain errors onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotPublished):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSagaInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrTransitionRejected), errors.Is(err, domain.ErrUserRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRecordWriteFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err with the status StatusOf picks.
func Error(c echo.Context, err error) error {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		return InternalError(c, err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

// Saga writes a saga result. A failed saga still returns its steps so the
// client can show where it stopped.
func Saga[T any](c echo.Context, result *T, err error) error {
	if err == nil {
		return OK(c, result)
	}
	if result == nil {
		return Error(c, err)
	}
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("saga failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, result)
}
