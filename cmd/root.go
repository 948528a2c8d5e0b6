package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/nguyentranbao-ct/chat-client/internal/app"
	"github.com/nguyentranbao-ct/chat-client/internal/server"
	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "chatd",
	Short:         "Real-time chat delivery daemon with a local control API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		lvl, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(lvl)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		defer logger.Sync()
		app.Invoke(
			server.StartServer,
		).Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.MustNamed("cmd").Fatal(err)
	}
}
