package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pranav-miglani/dental-record/internal/app"
	"github.com/spf13/cobra"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the archive scheduler",
	Long:  `Start the HTTP API together with the periodic archive sweep. SIGINT or SIGTERM shuts both down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		a, err := app.New(ctx, cfg, log, Version)
		if err != nil {
			return err
		}
		defer a.Close()

		log.Infof("Starting dental-record %s", Version)
		if err := a.Serve(ctx); err != nil {
			return err
		}
		log.Info("Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
}
