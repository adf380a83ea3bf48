package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"neuroseg/pkg/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides server.listen)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for the viewer",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	seg := newSegmenter(cfg, store)

	srv := api.NewServer(seg, store, api.Options{
		CORSOrigins:      cfg.Server.CORSOrigins,
		RequestTimeout:   cfg.Server.RequestTimeout,
		MaxBodyBytes:     int64(cfg.Server.MaxBodyMB) << 20,
		ReadOnlyPrefixes: []string{cfg.Data.ModelsDir},
		Logger:           slog.Default(),
	})

	slog.Info("neuroseg started",
		"listen", cfg.Server.Listen,
		"artifacts", cfg.Artifacts.Backend,
		"data_root", cfg.Data.Root,
		"device", cfg.Inference.Device,
		"device_slots", cfg.Inference.DeviceSlots,
		"sessions", cfg.Sessions.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}
