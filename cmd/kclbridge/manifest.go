package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modoterra/kclbridge/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage kclbridge.yaml manifests",
}

var (
	manifestInitOutput string
	manifestInitForce  bool
)

var manifestInitCmd = &cobra.Command{
	Use:   "init <stream>",
	Short: "Generate a starter manifest for a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifestInitOutput
		if _, err := os.Stat(path); err == nil && !manifestInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		m := manifest.Example(args[0])
		if err := manifest.Save(m, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s with %d stream(s)\n", path, len(m.Streams))
		for _, name := range m.Names() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s)\n", name, m.Streams[name].Region)
		}
		return nil
	},
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a kclbridge.yaml manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifest.DefaultFile
		if len(args) > 0 {
			path = args[0]
		}

		m, err := manifest.Load(path)
		if err != nil {
			return err
		}

		errs := manifest.Validate(m)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d streams)\n", path, len(m.Streams))
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

func init() {
	manifestInitCmd.Flags().StringVar(&manifestInitOutput, "output", manifest.DefaultFile, "output file path")
	manifestInitCmd.Flags().BoolVar(&manifestInitForce, "force", false, "overwrite an existing file")
	manifestCmd.AddCommand(manifestInitCmd)
	manifestCmd.AddCommand(manifestValidateCmd)

	rootCmd.AddCommand(manifestCmd)
}
