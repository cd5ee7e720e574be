package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/hookflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeSyntax:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeCancelled, schema.ErrCodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := errorBody{Code: "INTERNAL_ERROR", Message: err.Error()}

		var he *schema.HookflowError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &he):
			status = statusFor(he.Code)
			body = errorBody{Code: he.Code, Message: he.Message, Details: he.Details}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = errorBody{Code: http.StatusText(status), Message: http.StatusText(status)}
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			}
		}

		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				slog.String("uri", c.Request().RequestURI), slog.String("error", err.Error()))
			if body.Code == "INTERNAL_ERROR" {
				body.Message = "internal error"
			}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, map[string]any{"error": body})
	}
}
