package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openlocus/locus/internal/config"
)

var cfg *config.Config

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "locus",
		Short: "Locus - local-first conversational AI runtime",
		Long: `Locus orchestrates locally-hosted language model backends, a tool
fabric, episodic memory, and a graph of processing stages to answer
user requests with streaming output.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(
		serveCmd(),
		chatCmd(),
		modelsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("locus dev")
		},
	}
}
