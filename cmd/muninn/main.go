// Package main provides the Muninn CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/server"
	"github.com/orneryd/muninn/pkg/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Typed property-graph store for AI learning memory",
		Long: `Muninn stores rules and validated learning experiences in a typed
property graph, behind a single contract with three interchangeable
backends:

  • embedded - in-process graph persisted to a JSON file
  • badger   - in-process graph on BadgerDB
  • neo4j    - remote Neo4j server

Validated solutions automatically aggregate into a meta-rule that
summarizes recurring error patterns.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Muninn HTTP API server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("backend", "", "Backend: embedded, badger, or neo4j")
	serveCmd.Flags().String("data-file", "", "Graph data file (embedded backend)")
	serveCmd.Flags().Int("port", 0, "HTTP API port")
	rootCmd.AddCommand(serveCmd)

	// Init command
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file template",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print graph statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().String("backend", "", "Backend: embedded, badger, or neo4j")
	statsCmd.Flags().String("data-file", "", "Graph data file (embedded backend)")
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration: defaults, environment,
// optional config file, then command-line flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if dataFile, _ := cmd.Flags().GetString("data-file"); dataFile != "" {
		cfg.Embedded.DataFile = dataFile
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Starting Muninn v%s\n", version)
	fmt.Printf("  Backend:  %s\n", cfg.Backend)
	if cfg.Backend == "embedded" {
		fmt.Printf("  Data:     %s\n", cfg.Embedded.DataFile)
	}
	fmt.Printf("  HTTP API: http://localhost:%d\n", cfg.Server.Port)
	fmt.Println()

	st, err := store.New(cfg.Backend, cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = st.Connect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting store: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Disconnect(ctx); err != nil {
			fmt.Printf("disconnect error: %v\n", err)
		}
	}()

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.EnableCORS = cfg.Server.EnableCORS

	httpServer, err := server.New(st, serverConfig)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println("Muninn is ready")
	fmt.Printf("  • Health:    http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("  • Rules:     http://localhost:%d/rules\n", cfg.Server.Port)
	fmt.Printf("  • Solutions: http://localhost:%d/solutions\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "muninn.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.WriteTemplate(path); err != nil {
		return err
	}

	fmt.Printf("Config template written to %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s\n", path)
	fmt.Printf("  2. Start the server: muninn serve --config %s\n", path)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Backend, cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.Connect(ctx); err != nil {
		return fmt.Errorf("connecting store: %w", err)
	}
	defer st.Disconnect(ctx)

	nodeQuery, edgeQuery := "count nodes", "count edges"
	if cfg.Backend == "neo4j" {
		nodeQuery = "MATCH (n) RETURN count(n) AS count"
		edgeQuery = "MATCH ()-[r]->() RETURN count(r) AS count"
	}

	nodes, err := st.ExecuteQuery(ctx, nodeQuery, nil)
	if err != nil {
		return err
	}
	edges, err := st.ExecuteQuery(ctx, edgeQuery, nil)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(map[string]any{
		"backend": cfg.Backend,
		"nodes":   nodes,
		"edges":   edges,
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}
