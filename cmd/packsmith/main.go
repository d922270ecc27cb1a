// packsmith is the modpack assembly service. The default command starts the
// HTTP server; subcommands print the effective configuration and version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"packsmith/internal/auth"
	"packsmith/internal/bridge"
	"packsmith/internal/config"
	"packsmith/internal/embedding"
	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/orchestrator"
	"packsmith/internal/quota"
	"packsmith/internal/registry"
	"packsmith/internal/retrieval"
	"packsmith/internal/server"
	"packsmith/internal/store"
	"packsmith/internal/tags"
	"packsmith/internal/usage"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "packsmith",
	Short: "packsmith - modpack assembly service",
	Long: `packsmith assembles Minecraft modpacks from natural-language prompts.

It plans retrieval queries, searches a local mod catalog with hybrid
vector/keyword fusion, selects and dependency-closes a pack, and streams
progress to clients over SSE. A crash-doctor pipeline analyzes crash logs
and proposes validated fixes against the live mod registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = "<redacted>"
		cfg.LLM.APIKey = "<redacted>"
		cfg.Embedding.APIKey = "<redacted>"
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("packsmith %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "packsmith.yaml", "Path to the configuration file")
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()
	log := logging.For(logging.ComponentServer)

	st, err := store.Open(cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to build embedding engine: %w", err)
	}
	pool := embedding.NewPool(embedder, cfg.Embedding.Workers)

	tracker := usage.NewTracker(cfg.Pipeline.UsagePath, 0)
	defer tracker.Close()

	gateway := llm.NewClient(cfg.LLM, cfg.LLMTimeout(), int64(cfg.Pipeline.ServiceParallelism), tracker)
	reg := registry.NewHTTPClient(cfg.Registry, cfg.RegistryTimeout(), int64(cfg.Pipeline.ServiceParallelism))

	policy, err := bridge.NewPolicy(cfg.Pipeline.BridgeRulesPath)
	if err != nil {
		return fmt.Errorf("failed to load bridge rules: %w", err)
	}
	defer policy.Close()
	if cfg.Pipeline.BridgeRulesPath != "" {
		if err := policy.Watch(); err != nil {
			log.Warn("bridge rules watch unavailable", zap.Error(err))
		}
	}

	engine := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Gateway:   gateway,
		Store:     st,
		Embedder:  pool,
		Retriever: retrieval.New(st, pool),
		Registry:  reg,
		Policy:    policy,
		Gate:      quota.New(st, cfg.Quota),
	})

	srv := server.New(cfg,
		engine,
		auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		tags.New(st),
		tags.NewTagger(gateway, cfg.Pipeline.RequestParallelism),
		st)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return <-errCh
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
