// Consult terminal client — a streaming chat interface for the consult
// assistant backend, plus a local dev backend for offline work.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/evidentia-ai/consult/pkg/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "consult",
	Short:   "Terminal client for the consult research assistant",
	Version: version.Full(),
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Optional .env next to the working directory; real environments
		// just set the variables.
		if err := godotenv.Load(); err == nil {
			slog.Debug("Loaded .env")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "consult.yaml",
		"path to the configuration file")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(devServerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
