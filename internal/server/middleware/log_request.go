package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// LogRequestConfig store middleware configuration
type LogRequestConfig struct {
	Logger       Logger
	Enabled      func(c echo.Context) bool
	RequestBody  func(c echo.Context) bool
	ParamValues  func(c echo.Context) bool
	KeyAndValues func(c echo.Context) []any
}

// LogRequest logs one line per request at a level chosen by its status.
func LogRequest(config LogRequestConfig) echo.MiddlewareFunc {
	defFunc := func(c echo.Context) bool {
		return true
	}
	if config.Logger == nil {
		panic("Logger is required to use LogRequest")
	}
	if config.Enabled == nil {
		config.Enabled = defFunc
	}
	if config.RequestBody == nil {
		config.RequestBody = defFunc
	}
	if config.ParamValues == nil {
		config.ParamValues = defFunc
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !config.Enabled(c) {
				return next(c)
			}

			start := time.Now()
			req := c.Request()
			res := c.Response()

			logReqBody := config.RequestBody(c)
			var reqBody json.RawMessage
			if logReqBody && strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
				reqBody, _ = io.ReadAll(req.Body)
				if len(reqBody) == 0 {
					reqBody = nil
				}
				req.Body = io.NopCloser(bytes.NewBuffer(reqBody))
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			args := make([]any, 0, 16)
			args = append(args,
				"status", res.Status,
				"method", req.Method,
				"uri", req.RequestURI,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(c),
			)
			if config.ParamValues(c) {
				params := make(map[string]string)
				for _, name := range c.ParamNames() {
					params[name] = c.Param(name)
				}
				if len(params) > 0 {
					args = append(args, "params", params)
				}
			}
			if config.KeyAndValues != nil {
				args = append(args, config.KeyAndValues(c)...)
			}
			if logReqBody && reqBody != nil {
				args = append(args, "request_body", reqBody)
			}

			switch {
			case res.Status >= 500:
				if err != nil {
					args = append(args, "error", err.Error())
				}
				config.Logger.Errorw("", args...)
			case res.Status >= 400:
				config.Logger.Warnw("", args...)
			default:
				config.Logger.Infow("", args...)
			}

			return err
		}
	}
}
