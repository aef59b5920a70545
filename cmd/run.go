package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/api"
	"github.com/JakeFAU/archivebot/internal/coordinator"
	"github.com/JakeFAU/archivebot/internal/discord"
)

const readHeaderTimeout = 10 * time.Second

// chatClient is the gateway connection the run command drives.
type chatClient interface {
	coordinator.ChatClient
	Bind(h discord.EventHandler)
	Open(ctx context.Context) error
	Close() error
}

// newChatClient is replaced in tests.
var newChatClient = func(token string, logger *zap.Logger) (chatClient, error) {
	return discord.New(token, logger)
}

// newRunCmd creates the 'run' subcommand, the long-running bot process.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connects to Discord and archives posted links",
		Long: `Connects to the Discord gateway, answers !archive commands and, when
enabled, auto-archives links posted in the default channel. The ops server
exposes health, readiness and metrics endpoints alongside the bot.`,
		RunE: withApp(runBotCommand),
	}
}

func runBotCommand(cmd *cobra.Command, _ []string, appInstance App) error {
	cfg := appInstance.Config()
	if err := cfg.RequireToken(); err != nil {
		return err
	}
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newChatClient(cfg.Discord.Token, logger)
	if err != nil {
		return err
	}
	coord := coordinator.New(coordinator.Config{
		DefaultChannelID:   cfg.Discord.DefaultChannelID,
		ArchiveAllLinks:    cfg.Discord.ArchiveAllLinks,
		BookmarkingEnabled: appInstance.BookmarkingEnabled(),
	}, appInstance.Archiver(), client, appInstance.Sessions(), logger.Named("coordinator"))
	client.Bind(coord)

	serverErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
			Handler:           api.NewServer(appInstance.Archiver(), coord.Connected, cfg, logger.Named("api")).Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logger.Info("Starting ops server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	if err := client.Open(ctx); err != nil {
		return errors.Join(err, shutdown(srv, client, logger))
	}
	logger.Info("Bot is running. Press Ctrl+C to exit.")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serverErr:
		logger.Error("Ops server failed", zap.Error(err))
	}
	return errors.Join(err, shutdown(srv, client, logger))
}

func shutdown(srv *http.Server, client chatClient, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown ops server: %w", err))
		}
	}
	if err := client.Close(); err != nil {
		errs = append(errs, err)
	}
	logger.Info("Bot stopped")
	return errors.Join(errs...)
}
