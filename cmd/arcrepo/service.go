package main

import (
	"fmt"

	"github.com/netarchive/arcrepo/internal/svc"
	"github.com/spf13/cobra"
)

var (
	serviceMode       string
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the arcrepo system service",
		Long: `Install, control, and inspect arcrepo as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install the coordinator
  sudo arcrepo service install --mode serve --config /etc/arcrepo/server.yaml

  # Install a replica node
  sudo arcrepo service install --mode replica --config /etc/arcrepo/replica.yaml

  # Control the service
  sudo arcrepo service start --mode replica
  sudo arcrepo service status

  # View logs
  sudo arcrepo service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeServe, "service mode: 'serve' (coordinator) or 'replica' (replica node)")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: arcrepo or arcrepo-replica)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install arcrepo as a system service",
		Long: `Install arcrepo as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "path to configuration file")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the arcrepo system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the arcrepo service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(cmd, action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the arcrepo service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View the arcrepo service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() (*svc.ServiceConfig, error) {
	return svc.NewServiceConfig(serviceMode, serviceName, serviceConfigPath)
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	cfg.UserName = serviceUser

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "  Mode:   %s\n", cfg.Mode)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", cfg.ConfigPath)
	_, _ = fmt.Fprintf(out, "\nStart it with: sudo arcrepo service start --mode %s\n", cfg.Mode)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled\n", cfg.Name)
	return nil
}

func runServiceControl(cmd *cobra.Command, action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	status, err := svc.Status(cfg)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", cfg.Name, status)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
