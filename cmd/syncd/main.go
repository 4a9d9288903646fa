// Package main provides the syncd cluster-node CLI entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/syncd/pkg/api"
	"github.com/orneryd/syncd/pkg/config"
	"github.com/orneryd/syncd/pkg/node"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "syncd - replicated lock manager and message-passing cluster node",
		Long: `syncd runs one member of a cluster that provides a distributed
lock manager atop Raft leader election and log replication, alongside a
PBFT engine for Byzantine-fault-tolerant agreement.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cluster node's HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Optional YAML config file path; overlays environment variables")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		overlaid, err := config.LoadFromFile(path, cfg)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		cfg = overlaid
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewServer(n),
	}

	log.Printf("[syncd %s] listening on %s, %d peer(s)", cfg.NodeID, srv.Addr, len(cfg.Peers))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Printf("[syncd %s] received %s, shutting down", cfg.NodeID, sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
