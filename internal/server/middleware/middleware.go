package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

var (
	DefaultSkipper = func(c echo.Context) bool {
		return false
	}
)

type Skipper func(c echo.Context) bool

// Logger is the subset of *zap.SugaredLogger the middlewares use.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type ResponseError struct {
	Status       int    `json:"-"`
	Err          error  `json:"-"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("status: %d, code: %s; message: %+v", e.Status, e.ErrorCode, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// NewResponseError builds a ResponseError whose message is err's text.
func NewResponseError(status int, code string, err error) *ResponseError {
	return &ResponseError{
		Status:       status,
		Err:          err,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	}
}
