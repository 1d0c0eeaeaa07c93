package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentia-ai/consult/pkg/config"
	"github.com/evidentia-ai/consult/pkg/devserver"
)

var devServerAddr string

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run the local development backend",
	Long: `Run a local backend that speaks the consult realtime protocol:
websocket streaming with canned literature citations, plus the message
edit, delete, and attachment endpoints. Useful for developing against
without a real deployment.`,
	RunE: runDevServer,
}

func init() {
	devServerCmd.Flags().StringVar(&devServerAddr, "addr", ":8085", "listen address")
}

func runDevServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := devserver.New(devserver.Config{
		Token:  cfg.Token(),
		Logger: log,
	})

	log.Info("Development server listening", "addr", devServerAddr)
	if err := http.ListenAndServe(devServerAddr, srv.Handler()); err != nil {
		return fmt.Errorf("dev server: %w", err)
	}
	return nil
}
