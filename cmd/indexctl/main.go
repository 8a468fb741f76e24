// Command indexctl manages the document index from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hunterwarburton/qnabot/internal/app"
	"github.com/hunterwarburton/qnabot/internal/config"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	backend    string

	// services is built before every subcommand runs.
	services *app.App
)

var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "Manage the document index",
	Long: `indexctl uploads files into the document index, inspects it and asks
questions against it, using the same configuration as the bot.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if services != nil {
			services.Close(cmd.Context())
			services = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "override the index backend (azure, milvus, memory)")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(debug || cfg.LogLevel == "debug")
	if backend != "" {
		cfg.Index.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	services, err = app.New(cmd.Context(), cfg)
	return err
}

func main() {
	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
