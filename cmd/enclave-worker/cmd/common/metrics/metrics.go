// Package metrics implements a prometheus metrics service.
package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oasisprotocol/enclave-worker/common/service"
)

type stubService struct {
	service.BaseBackgroundService
}

type pullService struct {
	service.BaseBackgroundService

	ln net.Listener
	s  *http.Server

	errCh chan error
}

func (s *pullService) Start() error {
	go func() {
		if err := s.s.Serve(s.ln); err != nil {
			s.errCh <- err
		}
	}()
	return nil
}

func (s *pullService) Stop() {
	if s.s != nil {
		select {
		case err := <-s.errCh:
			if err != nil && err != http.ErrServerClosed {
				s.Logger.Error("metrics terminated uncleanly",
					"err", err,
				)
			}
		default:
			_ = s.s.Close()
		}
		s.s = nil
	}
	s.BaseBackgroundService.Stop()
}

func (s *pullService) Cleanup() {
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
}

// New constructs a new metrics service serving /metrics on addr. An empty
// address disables the metrics endpoint.
func New(addr string) (service.BackgroundService, error) {
	svc := *service.NewBaseBackgroundService("metrics")
	if addr == "" {
		return &stubService{BaseBackgroundService: svc}, nil
	}

	svc.Logger.Debug("Metrics Server Params",
		"addr", addr,
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &pullService{
		BaseBackgroundService: svc,
		ln:                    ln,
		s:                     &http.Server{Handler: mux, ReadTimeout: 5 * time.Second},
		errCh:                 make(chan error, 1),
	}, nil
}
