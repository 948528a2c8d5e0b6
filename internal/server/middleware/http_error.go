package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// ErrorMapper turns a handler error into a response, or returns nil when it
// does not recognise err.
type ErrorMapper func(err error) *ResponseError

// ErrorHandler writes every error as a ResponseError. Unmapped errors are
// reported as 500.
func ErrorHandler(log Logger, mappers ...ErrorMapper) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if err == nil || c.Response().Committed {
			return
		}

		resp := toResponseError(err, c, mappers)
		if resp.Status >= http.StatusInternalServerError {
			log.Errorw("request failed", "status", resp.Status, "request_id", GetRequestID(c), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(resp.Status)
		} else {
			err = c.JSON(resp.Status, resp)
		}
		if err != nil {
			log.Errorw("could not respond", "code", resp.Status, "response_body", resp)
		}
	}
}

func toResponseError(err error, c echo.Context, mappers []ErrorMapper) *ResponseError {
	var re *ResponseError
	if errors.As(err, &re) {
		return re
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp := &ResponseError{Status: he.Code, Err: err, ErrorMessage: fmt.Sprint(he.Message)}
		if he.Code == http.StatusNotFound && isNotFoundHandler(c.Handler()) {
			resp.ErrorMessage = "no route matched"
		}
		return resp
	}
	for _, m := range mappers {
		if resp := m(err); resp != nil {
			return resp
		}
	}
	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		return NewResponseError(StatusClientClosedRequest, "cancelled", err)
	}
	return &ResponseError{
		Status:       http.StatusInternalServerError,
		Err:          err,
		ErrorMessage: http.StatusText(http.StatusInternalServerError),
	}
}
