// curator curates uploaded image archives into object-detection training
// manifests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile     string
	logLevel    string
	logJSON     bool
	datasetName string
	useMemory   bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "curator",
		Short: "Curator - dataset curation pipeline",
		Long: `Curator turns zipped image + COCO uploads into object-detection
training manifests.

  landing/*.zip -> raw images + canonical annotations
                -> letterboxed images + _READY
                -> train/val manifests, label files
                -> validation report

QUICK START:

  curator ingest export.zip          # drop an archive into landing/
  curator run                        # one full pass
  curator serve                      # HTTP notify endpoint + periodic runs

For more help on any command, use: curator <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log JSON lines instead of console output")
	rootCmd.PersistentFlags().StringVar(&datasetName, "dataset", "", "dataset name (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "use an in-memory store (dry run)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newExtractCmd())
	rootCmd.AddCommand(newNormalizeCmd())
	rootCmd.AddCommand(newManifestCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newLintCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "curator %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

// loadConfig loads path, applies the --dataset override and validates.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if datasetName != "" {
		cfg.Dataset = datasetName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured bucket, or a throwaway in-memory one
// with --memory.
func openStore(ctx context.Context, cfg *config.Config) (objstore.Claimable, error) {
	if useMemory {
		log.Warn().Msg("using an in-memory store, nothing will be persisted")
		return objstore.NewMemStore(cfg.Bucket), nil
	}

	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	fs, err := objstore.NewFileStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	fs.SetMetrics(objstore.InitStoreMetrics(metrics.Registry))

	bucket, err := fs.EnsureBucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}
	log.Debug().Str("data_dir", cfg.DataDir).Str("bucket", cfg.Bucket).Msg("store opened")
	return bucket, nil
}

var pipelineMetrics *metrics.PipelineMetrics

// initMetrics registers the pipeline metrics once per process.
func initMetrics() *metrics.PipelineMetrics {
	if pipelineMetrics == nil {
		instance, err := os.Hostname()
		if err != nil {
			instance = "curator"
		}
		pipelineMetrics = metrics.InitMetrics(instance)
	}
	return pipelineMetrics
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
