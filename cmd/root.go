// Package cmd defines and implements the CLI commands for the archivebot executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/app"
	"github.com/JakeFAU/archivebot/internal/archive"
	"github.com/JakeFAU/archivebot/internal/config"
	"github.com/JakeFAU/archivebot/internal/logging"
	"github.com/JakeFAU/archivebot/internal/session"
)

// version is stamped at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the service container. Tests inject
// their own implementation through newApp.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Sessions() *session.Manager
	Archiver() archive.Archiver
	BookmarkingEnabled() bool
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger, app.Options{Version: version})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "archivebot",
		Short: "Archives links posted in Discord to the Wayback Machine.",
		Long: `archivebot listens to Discord messages, saves linked pages to the
Wayback Machine and optionally bookmarks the archived copy in Karakeep.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the services once flags are parsed and before any RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); environment variables override it")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newArchiveCmd())

	return cmd
}

// withApp hands the App to fn and closes it afterwards. Closing happens here
// rather than in a post-run hook because cobra skips those when RunE fails.
func withApp(fn func(cmd *cobra.Command, args []string, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
			defer cancel()
			if cerr := appInstance.Close(ctx); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close application services: %w", cerr))
			}
		}()
		return fn(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
