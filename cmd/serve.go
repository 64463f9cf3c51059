package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/portside-io/portside/internal/app"
	"github.com/portside-io/portside/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portside service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Log.Enabled {
		closeLog, err := log.Init(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("initializing log: %w", err)
		}
		defer closeLog()
		log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := a.Run(ctx)
	if closeErr := a.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}
