package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/casetrace/backend/internal/bootstrap"
	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config

	rootCmd = &cobra.Command{
		Use:   "casetrace",
		Short: "Search, resolve and audit forensic records from the command line",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.LoadEnv()
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			bootstrap.InitLogger(cfg)
			return nil
		},
		SilenceUsage: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(ingestCmd, publishCmd, queryCmd, exportCmd, riskCmd, maintainCmd, auditCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
