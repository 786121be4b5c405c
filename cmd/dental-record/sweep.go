package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pranav-miglani/dental-record/internal/app"
	"github.com/spf13/cobra"
)

var sweepRetention time.Duration

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one archive sweep",
	Long:  `Archive every closed or cancelled procedure past the retention window and print the sweep report as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sweepRetention > 0 {
			cfg.Archive.Retention = sweepRetention
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()
		if cfg.Logging.File == "" {
			// stdout carries the report
			log.SetOutput(os.Stderr)
		}

		a, err := app.New(ctx, cfg, log, Version)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Sweeper.Run(ctx)
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepRetention, "retention", 0, "Retention window, overrides archive.retention")
}
