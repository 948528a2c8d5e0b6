package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/delivery"
	"github.com/nguyentranbao-ct/chat-client/internal/presence"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/internal/repo/chatapi"
	"github.com/nguyentranbao-ct/chat-client/internal/server"
	"github.com/nguyentranbao-ct/chat-client/internal/unread"
	"github.com/nguyentranbao-ct/chat-client/internal/unread/broadcast"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
)

func Invoke(funcs ...any) *fx.App {
	log := logger.MustNamed("app")
	conf := config.MustLoad()
	log.Debugw("config loaded", "server_addr", conf.Server.Addr, "chat_api", conf.ChatAPI.BaseURL,
		"socket", conf.Socket.URL, "broadcast_driver", conf.Broadcast.Driver)
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{
				Logger: log.Desugar(),
			}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Provide(
			registry.New,
			auth.NewCredentialSource,
			chatapi.NewClient,
			newTransport,
			newConnectionManager,
			newEmitter,

			presence.NewTracker,
			presence.NewTypingNotifier,

			delivery.NewStore,
			newPipeline,

			broadcast.NewHub,
			newBroadcastChannel,
			newCounter,
			unread.NewPoller,

			newController,
			server.NewEcho,
		),
		fx.Supply(conf),
		fx.Invoke(registerLifecycle),
		fx.Invoke(funcs...),
	)
}
