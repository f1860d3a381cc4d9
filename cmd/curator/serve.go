package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dermavision/curator/internal/api"
	"github.com/dermavision/curator/internal/pipeline"
	"github.com/dermavision/curator/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceRun   bool
	tokenSubject string
	tokenTTL     time.Duration
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the notify API and run the pipeline on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceRun {
				cfg := svc.DefaultServiceConfig()
				if cfgFile != "" {
					cfg.ConfigPath = cfgFile
				}
				prg := &svc.Program{ConfigPath: cfg.ConfigPath, Run: runServer}
				return svc.Run(prg, cfg)
			}
			return runServer(cmd.Context(), cfgFile)
		},
	}
	cmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
	_ = cmd.Flags().MarkHidden("service-run")
	return cmd
}

// runServer serves the API until ctx ends. It is also the service
// program's body.
func runServer(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	interval, err := cfg.ScheduleInterval()
	if err != nil {
		return err
	}

	stages := &pipeline.Stages{Store: store, Config: cfg, Metrics: initMetrics()}
	local := stages.Local()
	var trigger pipeline.StageTrigger = local
	if cfg.Server.WebhookURL != "" {
		token := ""
		if cfg.Server.AuthToken != "" {
			token, err = api.IssueToken(cfg.Server.AuthToken, "curator-orchestrator", 0)
			if err != nil {
				return err
			}
		}
		trigger = pipeline.NewWebhookTrigger(cfg.Server.WebhookURL, token)
		log.Info().Str("url", cfg.Server.WebhookURL).Msg("stages triggered through webhook")
	}
	orch, err := pipeline.NewOrchestrator(stages, trigger)
	if err != nil {
		return err
	}
	sched := pipeline.NewScheduler()
	srv := api.NewServer(ctx, cfg, orch, local, sched)
	srv.SetVersion(Version)

	everyDone := make(chan struct{})
	go func() {
		defer close(everyDone)
		if interval <= 0 {
			return
		}
		log.Info().Dur("interval", interval).Str("dataset", cfg.Dataset).Msg("periodic runs enabled")
		sched.Every(ctx, interval, cfg.Dataset, func(ctx context.Context, runID string) {
			orch.RunWithID(ctx, cfg.Dataset, runID)
		})
	}()

	err = srv.ListenAndServe(ctx)
	<-everyDone
	sched.Wait()
	local.Wait()
	return err
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Server.AuthToken == "" {
				return fmt.Errorf("server.auth_token is not set; the API accepts unauthenticated requests")
			}
			token, err := api.IssueToken(cfg.Server.AuthToken, tokenSubject, tokenTTL)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&tokenSubject, "subject", "uploader", "token subject (sub claim)")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
