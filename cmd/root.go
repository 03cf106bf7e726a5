package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CristianCarreira/aipal/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/CristianCarreira/aipal/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "aipal",
	Short: "aipal — Telegram dispatcher for local CLI AI agents",
	Long: "aipal routes Telegram messages to locally installed AI coding agents " +
		"(claude, codex, gemini) over per-topic queues, with session rotation, " +
		"long-term memory, token budgeting and cron scheduling.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $AIPAL_CONFIG or $AIPAL_HOME/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(doctorCmd())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Telegram gateway (same as the bare command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aipal %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AIPAL_CONFIG"); v != "" {
		return v
	}
	return config.ConfigPath(config.Home())
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
