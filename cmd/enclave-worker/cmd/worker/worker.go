// Package worker implements the worker sub-command.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/common"
	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/common/metrics"
	cmnBackoff "github.com/oasisprotocol/enclave-worker/common/backoff"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/runtime/tee"
	"github.com/oasisprotocol/enclave-worker/runtime/worker"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
)

const (
	// CfgSocket is the path of the host socket.
	CfgSocket = "worker.socket"
	// CfgTEE is the TEE the worker runs in.
	CfgTEE = "worker.tee"
	// CfgAbortTimeout is the time an aborted computation has to unwind.
	CfgAbortTimeout = "worker.abort_timeout"
	// CfgConnectTimeout is the time the worker keeps trying to reach the host.
	CfgConnectTimeout = "worker.connect_timeout"
	// CfgValueTTL is the number of rounds values inserted by the key/value
	// runtime live.
	CfgValueTTL = "worker.value_ttl"
	// CfgMetricsAddr is the address of the metrics endpoint.
	CfgMetricsAddr = "worker.metrics.addr"
)

var (
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "run a key/value runtime worker",
		Run:   doWorker,
	}

	// Flags has the worker configuration flags.
	Flags = flag.NewFlagSet("", flag.ContinueOnError)

	logger = logging.GetLogger("cmd/worker")
)

func dialHost(ctx context.Context, socket string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	dialFn := func() error {
		var err error
		var d net.Dialer
		conn, err = d.DialContext(ctx, "unix", socket)
		return err
	}
	notifyFn := func(err error, next time.Duration) {
		logger.Debug("failed to connect to host, retrying",
			"err", err,
			"next", next,
		)
	}

	bo := backoff.WithContext(cmnBackoff.NewExponentialBackOff(timeout), ctx)
	if err := backoff.RetryNotify(dialFn, bo, notifyFn); err != nil {
		return nil, err
	}
	return conn, nil
}

func doWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := common.SignalContext()
	defer cancel()

	if err := runWorker(ctx); err != nil {
		logger.Error("worker terminated",
			"err", err,
		)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context) error {
	workerTEE, err := tee.New(viper.GetString(CfgTEE))
	if err != nil {
		return err
	}
	if workerTEE != nil && workerTEE.Kind() == tee.KindInsecure {
		logger.Warn("using the insecure TEE, do not use in production")
	}

	metricsSvc, err := metrics.New(viper.GetString(CfgMetricsAddr))
	if err != nil {
		return fmt.Errorf("failed to create metrics service: %w", err)
	}
	if err = metricsSvc.Start(); err != nil {
		return err
	}
	defer func() {
		metricsSvc.Stop()
		metricsSvc.Cleanup()
	}()

	socket := viper.GetString(CfgSocket)
	conn, err := dialHost(ctx, socket, viper.GetDuration(CfgConnectTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to host: %w", err)
	}
	logger.Info("connected to host",
		"socket", socket,
	)

	w, err := worker.New(&worker.Config{
		Conn:         conn,
		Runtime:      kvruntime.New(viper.GetUint64(CfgValueTTL)),
		TEE:          workerTEE,
		AbortTimeout: viper.GetDuration(CfgAbortTimeout),
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err = w.Start(); err != nil {
		return err
	}
	defer w.Cleanup()

	select {
	case <-ctx.Done():
		w.Stop()
	case <-w.Quit():
	}

	logger.Info("worker stopped")

	return nil
}

// Register registers the worker sub-command.
func Register(parentCmd *cobra.Command) {
	workerCmd.Flags().AddFlagSet(Flags)
	parentCmd.AddCommand(workerCmd)
}

func init() {
	Flags.String(CfgSocket, "enclave-worker.sock", "path of the host socket")
	Flags.String(CfgTEE, tee.KindNone, "TEE the worker runs in [none,insecure]")
	Flags.Duration(CfgAbortTimeout, worker.DefaultAbortTimeout, "time an aborted computation has to unwind")
	Flags.Duration(CfgConnectTimeout, time.Minute, "time to keep trying to reach the host")
	Flags.Uint64(CfgValueTTL, kvruntime.DefaultValueTTL, "number of rounds inserted values live")
	Flags.String(CfgMetricsAddr, "", "metrics endpoint address (disabled if empty)")

	_ = viper.BindPFlags(Flags)
}
