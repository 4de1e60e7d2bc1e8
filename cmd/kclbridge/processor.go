package main

import (
	"github.com/spf13/cobra"

	"github.com/modoterra/kclbridge/pkg/bridge"
)

var processorFlags struct {
	socket       string
	logFile      string
	noCheckpoint bool
}

// processorCmd is what the generated processor script execs. Stdout belongs
// to the daemon protocol, so nothing else may write to it.
var processorCmd = &cobra.Command{
	Use:    "processor",
	Short:  "Serve the daemon record-processor protocol and forward batches",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return bridge.RunProcessor(cmd.Context(), bridge.ProcessorOptions{
			SocketPath:        processorFlags.socket,
			LogFilePath:       processorFlags.logFile,
			DisableCheckpoint: processorFlags.noCheckpoint,
			Stdin:             cmd.InOrStdin(),
			Stdout:            cmd.OutOrStdout(),
			Logger:            logger,
		})
	},
}

func init() {
	f := processorCmd.Flags()
	f.StringVar(&processorFlags.socket, "socket", "", "event bus socket of the owning session")
	f.StringVar(&processorFlags.logFile, "log-file", "", "append diagnostics to this file")
	f.BoolVar(&processorFlags.noCheckpoint, "no-checkpoint", false, "do not checkpoint on shutdown")
	processorCmd.MarkFlagRequired("socket")

	rootCmd.AddCommand(processorCmd)
}
