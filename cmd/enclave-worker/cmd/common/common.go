// Package common implements common things shared by the enclave-worker
// sub-commands.
package common

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/logging"
)

const cfgConfigFile = "config"

var (
	cfgFile string

	rootLog = logging.GetLogger("cmd/enclave-worker")

	// RootFlags has the flags that are common across all commands.
	RootFlags = flag.NewFlagSet("", flag.ContinueOnError)
)

// Logger returns the command logger.
func Logger() *logging.Logger {
	return rootLog
}

// InitConfig initializes the command configuration.
//
// WARNING: This is exposed for the benefit of tests and the interface
// is not guaranteed to be stable.
func InitConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			EarlyLogAndExit(err)
		}
	}

	// Force the logging to be initialized as early as possible.
	if err := initLogging(); err != nil {
		EarlyLogAndExit(err)
	}
}

// EarlyLogAndExit logs the error and exits.
//
// Note: This routine should only be used prior to the logging system
// being initialized.
func EarlyLogAndExit(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// SignalContext returns a context that is canceled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func normalizePath(f string) string {
	if !filepath.IsAbs(f) {
		if abs, err := filepath.Abs(f); err == nil {
			return abs
		}
	}
	return filepath.Clean(f)
}

func init() {
	initLoggingFlags()

	RootFlags.StringVar(&cfgFile, cfgConfigFile, "", "config file")
	RootFlags.AddFlagSet(loggingFlags)
	RootFlags.AddFlagSet(cbor.Flags)
}
