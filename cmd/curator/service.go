package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/svc"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func serviceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	cfg.AuthToken = os.Getenv(config.EnvAuthToken)
	return cfg
}

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the curator system service",
		Long: `Install, control and inspect curator serve as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo curator service install -c /etc/curator/curator.yaml
  sudo curator service start
  sudo curator service status
  sudo curator service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: curator)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install curator serve as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Install(cfg, forceInstall); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed (config: %s)\n", cfg.Name, cfg.ConfigPath)
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the curator system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q removed\n", cfg.Name)
			return nil
		},
	})

	for action, short := range map[string]string{
		"start":   "Start the curator service",
		"stop":    "Stop the curator service",
		"restart": "Restart the curator service",
	} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(serviceConfig(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the curator service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				return fmt.Errorf("service %q: %w", cfg.Name, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Name, svc.StatusString(status))
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the curator service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow the log")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}
