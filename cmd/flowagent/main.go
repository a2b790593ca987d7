package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowagent/internal/config"
	"flowagent/internal/engine"
	"flowagent/internal/logging"
	"flowagent/internal/modfetch"
	"flowagent/internal/outputs"
	"flowagent/internal/petex"
	"flowagent/internal/server"
	"flowagent/internal/upstream"
)

var (
	// Global flags
	configPath string
	addr       string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flowagent",
	Short: "flowagent - workflow code-execution agent",
	Long: `flowagent hosts a persistent execution namespace behind an HTTP JSON API.

Submitted code fragments run against a shared interpreter whose bindings
survive across requests. Imports of allow-listed module prefixes resolve
against an upstream authority, workflow helpers read inputs from and
persist outputs to that authority, and a session-scoped Petex server can
be acquired per request.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// serveCmd runs the HTTP agent until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if addr != "" {
		cfg.Addr = addr
	}

	registry := modfetch.NewRegistry(
		cfg.Upstream.BaseURL,
		cfg.Upstream.APIKey,
		cfg.RemoteImports,
		cfg.GetTokenTimeout(),
		logger)

	client := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.APIKey,
		upstream.Credentials{
			AccessToken:  cfg.Upstream.BearerToken,
			RefreshToken: cfg.Upstream.RefreshToken,
			Username:     cfg.Upstream.Username,
			Password:     cfg.Upstream.Password,
		},
		cfg.GetTokenTimeout(),
		cfg.GetDataTimeout(),
		logger)

	sink := outputs.NewStore(cfg.Outputs.Dir, logger)
	provider := petex.NewProvider(cfg.Petex.Enabled, cfg.Petex.Addr, cfg.GetPetexDialTimeout(), logger)

	eng, err := engine.New(registry, client, sink, provider, cfg.Outputs.Mode, logger)
	if err != nil {
		return fmt.Errorf("failed to build execution engine: %w", err)
	}

	srv := server.New(cfg.Addr, eng, sink, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address override")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
