// Package cmd implements the commands for the enclave-worker executable.
package cmd

import (
	"os"
	"syscall"

	"github.com/spf13/cobra"

	cmdCommon "github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/common"
	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/host"
	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/worker"
)

var rootCmd = &cobra.Command{
	Use:   "enclave-worker",
	Short: "Enclave worker and host",
}

// RootCommand returns the root (top level) cobra.Command.
func RootCommand() *cobra.Command {
	return rootCmd
}

// Execute spawns the main entry point after handling the config file
// and command line arguments.
func Execute() {
	// Only the owner should have read/write/execute permissions for
	// anything created by the enclave-worker binary.
	syscall.Umask(0o077)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(cmdCommon.InitConfig)

	rootCmd.PersistentFlags().AddFlagSet(cmdCommon.RootFlags)

	// Register all of the sub-commands.
	for _, v := range []func(*cobra.Command){
		host.Register,
		worker.Register,
	} {
		v(rootCmd)
	}
}
