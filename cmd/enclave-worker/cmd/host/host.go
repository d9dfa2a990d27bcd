// Package host implements the host sub-command.
package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/common"
	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd/common/metrics"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/runtime/host"
	"github.com/oasisprotocol/enclave-worker/runtime/localstorage"
	"github.com/oasisprotocol/enclave-worker/runtime/tee"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
	storageBadger "github.com/oasisprotocol/enclave-worker/storage/badger"
	"github.com/oasisprotocol/enclave-worker/storage/memory"
)

const (
	// CfgSocket is the path of the socket the host listens on for workers.
	CfgSocket = "host.socket"
	// CfgDataDir is the host data directory.
	CfgDataDir = "host.datadir"
	// CfgStorageBackend is the host storage backend.
	CfgStorageBackend = "host.storage.backend"
	// CfgLocalStorageBackend is the worker local storage backend.
	CfgLocalStorageBackend = "host.localstorage.backend"
	// CfgLocalStorageRedisAddr is the address of the redis local storage.
	CfgLocalStorageRedisAddr = "host.localstorage.redis.addr"
	// CfgMetricsAddr is the address of the metrics endpoint.
	CfgMetricsAddr = "host.metrics.addr"
	// CfgAttestation is the attestation service used for the worker TEE.
	CfgAttestation = "host.attestation"
	// CfgRoundInterval is the interval between rounds.
	CfgRoundInterval = "host.round_interval"
	// CfgRoundTimeout is the time a worker has to compute a round.
	CfgRoundTimeout = "host.round_timeout"

	storageBackendMemory = "memory"
	storageBackendBadger = "badger"

	storageDBFile = "storage.badger.db"

	// EndpointEcho is the name of the built-in endpoint echoing requests.
	EndpointEcho = "echo"

	workerShutdownTimeout = 5 * time.Second
)

var (
	hostCmd = &cobra.Command{
		Use:   "host",
		Short: "run the host side of a worker connection",
		Long: "Listens for a worker, executes batches of key/value calls read from standard\n" +
			"input (one call per line) and prints their outputs.",
		Run: doHost,
	}

	// Flags has the host configuration flags.
	Flags = flag.NewFlagSet("", flag.ContinueOnError)

	logger = logging.GetLogger("cmd/host")
)

func newStorage(dataDir string) (storage.Backend, error) {
	var emptyRoot hash.Hash
	emptyRoot.Empty()

	switch backend := viper.GetString(CfgStorageBackend); backend {
	case storageBackendMemory:
		return memory.New(emptyRoot), nil
	case storageBackendBadger:
		return storageBadger.New(&storageBadger.Config{
			DB: filepath.Join(dataDir, storageDBFile),
		}, emptyRoot)
	default:
		return nil, fmt.Errorf("unsupported storage backend: '%s'", backend)
	}
}

func newAttestationService() (tee.AttestationService, error) {
	switch kind := viper.GetString(CfgAttestation); kind {
	case tee.KindNone:
		return nil, nil
	case tee.KindInsecure:
		logger.Warn("using the insecure attestation service, do not use in production")
		return &tee.InsecureAttestationService{}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation service: '%s'", kind)
	}
}

func readCalls(r io.Reader, callCh chan<- *kvruntime.Call) {
	defer close(callCh)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		call, err := parseCall(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid call: %s\n", err)
			continue
		}
		callCh <- call
	}
	if err := scanner.Err(); err != nil {
		logger.Error("failed to read calls",
			"err", err,
		)
	}
}

func acceptWorker(ctx context.Context, socket string) (net.Conn, error) {
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("waiting for worker",
		"socket", socket,
	)
	return ln.Accept()
}

func doHost(cmd *cobra.Command, args []string) {
	ctx, cancel := common.SignalContext()
	defer cancel()

	if err := runHost(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("host terminated",
			"err", err,
		)
		os.Exit(1)
	}
}

func runHost(ctx context.Context, in io.Reader, out io.Writer) error {
	dataDir := viper.GetString(CfgDataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
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

	backend, err := newStorage(dataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	ls, err := localstorage.New(&localstorage.Config{
		Backend:   viper.GetString(CfgLocalStorageBackend),
		DataDir:   dataDir,
		RedisAddr: viper.GetString(CfgLocalStorageRedisAddr),
	})
	if err != nil {
		backend.Cleanup()
		return fmt.Errorf("failed to initialize local storage: %w", err)
	}
	attestation, err := newAttestationService()
	if err != nil {
		backend.Cleanup()
		ls.Stop()
		return err
	}

	conn, err := acceptWorker(ctx, viper.GetString(CfgSocket))
	if err != nil {
		backend.Cleanup()
		ls.Stop()
		return fmt.Errorf("failed to accept worker: %w", err)
	}

	h, err := host.New(&host.Config{
		Conn:         conn,
		Storage:      backend,
		LocalStorage: ls,
		Endpoints: map[string]host.RPCEndpoint{
			EndpointEcho: host.RPCEndpointFunc(func(ctx context.Context, request []byte) ([]byte, error) {
				return request, nil
			}),
		},
		AttestationService: attestation,
	})
	if err != nil {
		conn.Close()
		backend.Cleanup()
		ls.Stop()
		return err
	}
	defer h.Cleanup()
	if err = h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	if attestation != nil {
		if _, err = h.InitCapabilityTEE(ctx, nil); err != nil {
			return fmt.Errorf("failed to initialize worker TEE capability: %w", err)
		}
	}

	n, err := newNode(ctx, h, backend, viper.GetDuration(CfgRoundTimeout))
	if err != nil {
		return err
	}

	callCh := make(chan *kvruntime.Call)
	go readCalls(in, callCh)

	ticker := time.NewTicker(viper.GetDuration(CfgRoundInterval))
	defer ticker.Stop()

	shutdownWorker := func() error {
		logger.Info("shutting down worker")
		if serr := h.Shutdown(context.Background()); serr != nil {
			return fmt.Errorf("failed to request worker shutdown: %w", serr)
		}
		select {
		case <-h.Quit():
		case <-time.After(workerShutdownTimeout):
			logger.Warn("worker failed to shut down in time")
		}
		return nil
	}

	var pending []*kvruntime.Call
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		round := n.current.Header.Round + 1
		outputs, rerr := n.runRound(ctx, pending)
		if rerr != nil {
			return rerr
		}
		for i, o := range outputs {
			fmt.Fprintf(out, "round %d call %d %s: %s\n", round, i, pending[i].Method, formatOutput(pending[i], o))
		}
		pending = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return shutdownWorker()
		case <-h.Quit():
			return fmt.Errorf("worker connection closed")
		case call, ok := <-callCh:
			if !ok {
				// Input exhausted, execute what is left and stop the worker.
				if err = flush(); err != nil {
					return err
				}
				return shutdownWorker()
			}
			pending = append(pending, call)
		case <-ticker.C:
			if err = flush(); err != nil {
				return err
			}
		}
	}
}

// Register registers the host sub-command.
func Register(parentCmd *cobra.Command) {
	hostCmd.Flags().AddFlagSet(Flags)
	parentCmd.AddCommand(hostCmd)
}

func init() {
	Flags.String(CfgSocket, "enclave-worker.sock", "path of the socket to listen on for workers")
	Flags.String(CfgDataDir, "data", "host data directory")
	Flags.String(CfgStorageBackend, storageBackendMemory, "storage backend [memory,badger]")
	Flags.String(CfgLocalStorageBackend, localstorage.BackendBadger, "worker local storage backend [badger,redis]")
	Flags.String(CfgLocalStorageRedisAddr, "localhost:6379", "redis address for the redis local storage backend")
	Flags.String(CfgMetricsAddr, "", "metrics endpoint address (disabled if empty)")
	Flags.String(CfgAttestation, tee.KindNone, "worker attestation service [none,insecure]")
	Flags.Duration(CfgRoundInterval, time.Second, "interval between rounds")
	Flags.Duration(CfgRoundTimeout, 10*time.Second, "time a worker has to compute a round")

	_ = viper.BindPFlags(Flags)
}
