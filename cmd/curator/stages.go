package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/manifest"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/dermavision/curator/internal/pipeline"
	"github.com/dermavision/curator/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runForce   bool
	ingestName string
)

// errRunFailed makes the process exit non-zero after the summary has been
// printed.
var errRunFailed = errors.New("run did not complete cleanly")

// stageEnv opens configuration, store and stages for a one-shot command.
func stageEnv(ctx context.Context) (*config.Config, *pipeline.Stages, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stages := &pipeline.Stages{Store: store, Config: cfg, Metrics: initMetrics()}
	return cfg, stages, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one orchestrated pass: extract, normalize, manifest, validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, stages, err := stageEnv(ctx)
			if err != nil {
				return err
			}
			trigger := stages.Local()
			orch, err := pipeline.NewOrchestrator(stages, trigger)
			if err != nil {
				return err
			}
			orch.Force = runForce

			sum := orch.Run(ctx, cfg.Dataset)
			trigger.Wait()
			if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if !sum.OK {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&runForce, "force", false, "run every stage even when nothing new arrived")
	return cmd
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Claim and extract every archive waiting in landing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, stages, err := stageEnv(ctx)
			if err != nil {
				return err
			}
			sum, err := stages.Extract(ctx, cfg.Dataset)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Letterbox raw images and signal readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, stages, err := stageEnv(ctx)
			if err != nil {
				return err
			}
			sum, err := stages.Normalize(ctx, cfg.Dataset)
			if sum != nil {
				if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newManifestCmd() *cobra.Command {
	var validateAfter bool
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Build train/val manifests and label files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, stages, err := stageEnv(ctx)
			if err != nil {
				return err
			}
			res, err := stages.Manifest(ctx, cfg.Dataset)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if err != nil || !validateAfter {
				return err
			}
			report, err := stages.Validate(ctx, cfg.Dataset, pipeline.Counts(res))
			if report != nil {
				log.Info().Bool("ok", report.OK).Str("report", report.Paths.ReportKey).Msg("validation report written")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&validateAfter, "validate", false, "write the validation report afterwards")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Cross-check annotations against stored images and write the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, stages, err := stageEnv(ctx)
			if err != nil {
				return err
			}
			report, err := stages.Validate(ctx, cfg.Dataset, nil)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file|->",
		Short: "Check a JSON-lines manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open manifest: %w", err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			return lintManifest(cmd.OutOrStdout(), r)
		},
	}
}

// lintManifest prints every issue and fails when any is an error.
func lintManifest(w io.Writer, r io.Reader) error {
	issues, err := manifest.Lint(r)
	if err != nil {
		return err
	}
	errs := 0
	for _, issue := range issues {
		_, _ = fmt.Fprintln(w, issue.String())
		if issue.Severity == manifest.SeverityError {
			errs++
		}
	}
	if errs > 0 {
		return fmt.Errorf("%d manifest error(s)", errs)
	}
	_, _ = fmt.Fprintf(w, "ok (%d warning(s))\n", len(issues))
	return nil
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <archive.zip>",
		Short: "Put a local archive into the landing queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			info, err := ingest(ctx, store, cfg.Landing.Prefix, args[0], ingestName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&ingestName, "name", "", "key under the landing prefix (default: file name)")
	return cmd
}

func ingest(ctx context.Context, store objstore.Store, prefix, path, name string) (*objstore.ObjectInfo, error) {
	if name == "" {
		name = filepath.Base(path)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return nil, fmt.Errorf("archive name must end in .zip, got %q", name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := store.PutObject(ctx, prefix+name, f, objstore.PutOptions{ContentType: "application/zip"})
	if err != nil {
		return nil, fmt.Errorf("upload archive: %w", err)
	}
	log.Info().Str("key", info.Key).Str("size", bytesize.Format(info.Size)).Msg("archive queued")
	return info, nil
}
