// Command neuroseg serves and runs interactive 3D segmentation models.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/config"
	"neuroseg/pkg/inference"
	"neuroseg/pkg/logging"
	"neuroseg/pkg/segmentation"
	"neuroseg/pkg/session"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "neuroseg",
	Short:         "Interactive click-driven 3D segmentation of neuroimaging volumes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "neuroseg.yaml", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the slog default
func setupLogging(cfg *config.Config) (io.Closer, error) {
	logger, closer, err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// openStore opens the data root on the configured backend
func openStore(cfg *config.Config) (artifacts.Store, error) {
	switch cfg.Artifacts.Backend {
	case config.BackendMinio:
		m := cfg.Artifacts.Minio
		return artifacts.DialMinio(artifacts.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		})
	default:
		if err := os.MkdirAll(cfg.Data.Root, 0755); err != nil {
			return nil, fmt.Errorf("create data root: %w", err)
		}
		return artifacts.NewLocal(cfg.Data.Root), nil
	}
}

// newSegmenter wires the store, model registry and optional session store
func newSegmenter(cfg *config.Config, store artifacts.Store) *segmentation.Segmenter {
	catalog := inference.NewCatalog(store, cfg.Data.ModelsDir, cfg.Inference.DefaultStride)
	inv := inference.NewInvoker(catalog, inference.NewDefaultRegistry(), store, inference.Options{
		Device:    cfg.Inference.Device,
		Slots:     cfg.Inference.DeviceSlots,
		CacheSize: cfg.Inference.ModelCacheSize,
	})

	var opts []segmentation.Option
	if cfg.Sessions.Enabled {
		opts = append(opts, segmentation.WithSessions(session.New(session.Options{
			SizeBytes: cfg.Sessions.CacheMB << 20,
			TTL:       cfg.Sessions.TTL,
		})))
	}
	return segmentation.New(inv, opts...)
}
