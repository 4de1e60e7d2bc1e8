package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modoterra/kclbridge/pkg/manifest"
	"github.com/modoterra/kclbridge/pkg/service"
)

var serviceFlags struct {
	manifest string
	httpAddr string
	env      []string
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run listen as a systemd user service",
}

func unitOptions() (service.UnitOptions, error) {
	self, err := os.Executable()
	if err != nil {
		return service.UnitOptions{}, err
	}
	return service.UnitOptions{
		Binary:      self,
		Manifest:    serviceFlags.manifest,
		HTTPAddr:    serviceFlags.httpAddr,
		Environment: serviceFlags.env,
	}, nil
}

var serviceUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the systemd unit file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := unitOptions()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), service.UnitContents(opts))
		return nil
	},
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install, enable and start the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadManifest(serviceFlags.manifest); err != nil {
			return err
		}
		opts, err := unitOptions()
		if err != nil {
			return err
		}
		if err := service.Install(opts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "installed", service.UnitName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop, disable and remove the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "removed", service.UnitName)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := service.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), st.String())
		return nil
	},
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return service.Restart(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{serviceUnitCmd, serviceInstallCmd} {
		c.Flags().StringVar(&serviceFlags.manifest, "manifest", manifest.DefaultFile, "manifest the service listens with")
		c.Flags().StringVar(&serviceFlags.httpAddr, "http-addr", "", "serve the status API on this address")
		c.Flags().StringArrayVar(&serviceFlags.env, "env", nil, "unit environment KEY=VALUE (repeatable)")
	}
	serviceCmd.AddCommand(serviceUnitCmd, serviceInstallCmd, serviceUninstallCmd, serviceStatusCmd, serviceRestartCmd)

	rootCmd.AddCommand(serviceCmd)
}
