/*
main.go - Application entry point

PURPOSE:
  The reconciler CLI. Serves the HTTP API and runs matching operations
  against the configured database from the shell.

COMMANDS:
  serve                       HTTP API with graceful shutdown
  import FILE                 Load schedules and deposit lines from JSON
  automatch preview DEPOSIT   Bucket every line of a deposit
  automatch confirm DEPOSIT   Apply the above-threshold candidates
  reverse GROUP               Undo a match group
  version                     Print version

CONFIGURATION:
  See package config. Every command accepts --config, --db, --log-level
  and --log-format.

EXAMPLES:
  reconciler import ./testdata/demo.json --db=./data/recon.db
  reconciler automatch preview dep-2026-03 --threshold=0.8
  reconciler automatch confirm dep-2026-03 --yes
  reconciler serve --port=3000
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/revenue-reconciler/config"
)

var (
	cfgFile string
	version = "dev"

	appConfig config.Config
	logger    *logrus.Logger

	rootCmd = &cobra.Command{
		Use:   "reconciler",
		Short: "Deposit matching and allocation engine",
		Long: `reconciler matches vendor and distributor deposit lines against forecast
revenue schedules, applies the money, and keeps each schedule's
reconciliation status current.`,
		PersistentPreRunE: initConfig,
		SilenceUsage:      true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.config/reconciler/reconciler.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (\":memory:\" for in-memory)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(automatchCmd())
	rootCmd.AddCommand(reverseCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}

	log, err := config.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	appConfig = cfg
	logger = log
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reconciler %s\n", version)
		},
	}
}
