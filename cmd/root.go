// Package cmd defines and implements the CLI commands for the outreachd executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/app"
	"github.com/JakeFAU/outreach-daemon/internal/config"
	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/logging"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Store() store.Store
	Now() time.Time
	Location() *time.Location
	Run(ctx context.Context) error
	Once(ctx context.Context) (daemon.Report, error)
	Snapshot(ctx context.Context) (string, int, error)
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (App, error) {
	a, err := app.New(ctx, cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "outreachd",
		Short: "Autonomous outreach orchestrator for newly launched token projects.",
		Long: `outreachd discovers candidate projects from a listing feed, enriches and
scores them, and walks qualified ones through join, identify and message
actions under adaptive rate limits and an active-hours window.`,
		SilenceUsage: true,

		// Builds the application once the subcommand and its flags are known.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			opts := app.Options{}
			if f := cmd.Flags().Lookup("force"); f != nil {
				opts.IgnoreActiveHours = f.Value.String() == "true"
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// Shuts services down once the subcommand returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed OUTREACH_ override it")

	cmd.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newExportCmd(),
		newRespondCmd(),
		newStatusCmd(),
	)
	return cmd
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
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
