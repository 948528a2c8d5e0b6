package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
	pkgmdw "github.com/nguyentranbao-ct/chat-client/internal/server/middleware"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
)

// NewEcho builds the control API with its middleware chain and routes.
func NewEcho(handler Controller) *echo.Echo {
	log := logger.MustNamed("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = pkgmdw.NewValidator()
	e.HTTPErrorHandler = pkgmdw.ErrorHandler(log, mapError)

	logConfig := pkgmdw.LogRequestConfig{
		Logger: log,
		Enabled: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path != "/health" && path != "/metrics"
		},
	}

	e.Use(pkgmdw.Metrics())
	e.Use(pkgmdw.RequestID())
	e.Use(pkgmdw.LogRequest(logConfig))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Errorw("PANIC RECOVER", "error", err, "stack", string(stack))
			return nil
		},
	}))

	e.GET("/health", handler.Health)

	api := e.Group("/api/v1")
	api.GET("/connection", handler.GetConnection)
	api.POST("/connection/reconnect", handler.Reconnect)
	api.GET("/conversations", handler.ListConversations)
	api.GET("/conversations/:userId", handler.GetConversation)
	api.GET("/conversations/:userId/messages", handler.GetMessages)
	api.POST("/conversations/:userId/messages", handler.SendMessage)
	api.POST("/conversations/:userId/read", handler.MarkRead)
	api.PUT("/conversations/:userId/focus", handler.SetFocus)
	api.POST("/conversations/:userId/typing", handler.Typing)
	api.POST("/messages/:tempId/retry", handler.RetryMessage)
	api.GET("/presence/:userId", handler.GetPresence)
	api.GET("/unread", handler.GetUnread)
	api.PUT("/visibility", handler.SetVisibility)

	return e
}

func StartServer(
	lc fx.Lifecycle,
	sd fx.Shutdowner,
	conf *config.Config,
	e *echo.Echo,
) {
	log := logger.MustNamed("http")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Infow("starting control API", "addr", conf.Server.Addr)
				if err := e.Start(conf.Server.Addr); !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("control API stopped", "error", err)
					_ = sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
