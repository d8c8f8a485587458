package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// statusFor maps the typed error taxonomy onto HTTP status codes. Unknown
// errors are internal.
func statusFor(err error) (int, string) {
	var (
		verr *v1.ValidationError
		rerr *v1.RangeError
		nerr *v1.NotFoundError
		cerr *v1.ConflictError
		gerr *v1.GenerationError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &rerr):
		return http.StatusBadRequest, "range"
	case errors.As(err, &nerr):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &cerr):
		return http.StatusConflict, "conflict"
	case errors.As(err, &gerr):
		return http.StatusInternalServerError, "generation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorHandler renders every error as a uniform JSON body. echo.HTTPError
// instances (binding failures, unknown routes) pass through with their own
// status.
func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, kind := statusFor(err)
		message := err.Error()

		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			kind = "request"
			if msg, ok := httpErr.Message.(string); ok {
				message = msg
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error(c.Request().Context(), "request failed",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err))
		}

		if werr := c.JSON(status, v1.ErrorResponse{Error: message, Kind: kind}); werr != nil {
			logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(werr))
		}
	}
}
