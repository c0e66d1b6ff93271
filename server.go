package fedwallet

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/monitoring"
	"github.com/lightningnetwork/lnd/build"
)

// Server is the main daemon construct of the wallet. It owns the federation
// wallet, its fee store and the optional metrics exporter.
type Server struct {
	started  int32
	shutdown int32

	cfg *Config

	wallet   *federation.Federation
	exporter *monitoring.PrometheusExporter

	quit chan struct{}
}

// NewServer creates a new server given the passed config.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Wallet returns the federation wallet of the server. It is nil before the
// server was started.
func (s *Server) Wallet() *federation.Federation {
	return s.wallet
}

// initialize creates and starts the wallet and the metrics exporter. Anything
// already started is stopped again if a later step fails.
func (s *Server) initialize() error {
	srvrLog.Infof("Version: %s, build=%s, logging=%s, debuglevel=%s",
		Version(), build.Deployment, build.LoggingType,
		s.cfg.DebugLevel)

	srvrLog.Infof("Active network: %v", s.cfg.ChainParams.Name)

	shutdownFuncs := make(map[string]func() error)
	defer func() {
		for serviceName, shutdownFn := range shutdownFuncs {
			if err := shutdownFn(); err != nil {
				srvrLog.Errorf("Error shutting down %s "+
					"service: %v", serviceName, err)
			}
		}
	}()

	fedCfg := *s.cfg.Federation
	fedCfg.FeeStore = s.cfg.FeeStore
	s.wallet = federation.New(&fedCfg)

	if err := s.wallet.Start(); err != nil {
		return fmt.Errorf("unable to start federation wallet: %w", err)
	}
	shutdownFuncs["wallet"] = s.wallet.Stop

	if s.cfg.Prometheus.Active {
		promCfg := s.cfg.Prometheus
		promCfg.Wallet = s.wallet

		exporter, err := monitoring.NewPrometheusExporter(&promCfg)
		if err != nil {
			return fmt.Errorf("unable to create prometheus "+
				"exporter: %w", err)
		}
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}

		srvrLog.Infof("Prometheus exporter listening on %v",
			promCfg.ListenAddr)

		s.exporter = exporter
	}

	shutdownFuncs = nil

	return nil
}

// RunUntilShutdown runs the main server loop until a signal is received to
// shut down the process or a critical error is reported on mainErrChan.
func (s *Server) RunUntilShutdown(mainErrChan <-chan error) error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	defer func() {
		srvrLog.Info("Shutdown complete")
		if s.cfg.LogWriter == nil {
			return
		}

		err := s.cfg.LogWriter.Close()
		if err != nil {
			srvrLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	mkErr := func(format string, args ...interface{}) error {
		logFormat := strings.ReplaceAll(format, "%w", "%v")
		srvrLog.Errorf("Shutting down because error in main "+
			"method: "+logFormat, args...)
		return fmt.Errorf(format, args...)
	}

	defer func() {
		if err := s.Stop(); err != nil {
			srvrLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	if err := s.initialize(); err != nil {
		return mkErr("unable to initialize server: %w", err)
	}

	var shutdownChan <-chan struct{}
	if s.cfg.SignalInterceptor.Listening() {
		shutdownChan = s.cfg.SignalInterceptor.ShutdownChannel()
	}

	select {
	case <-shutdownChan:
		srvrLog.Infof("Received shutdown signal")
		return nil

	case err := <-mainErrChan:
		return mkErr("received critical error: %w", err)

	case <-s.quit:
		return nil
	}
}

// Stop signals that the server should attempt a graceful shutdown.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	srvrLog.Infof("Stopping Main Server")

	close(s.quit)

	var errs []string
	if s.exporter != nil {
		if err := s.exporter.Stop(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if s.wallet != nil {
		if err := s.wallet.Stop(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if s.cfg.Close != nil {
		if err := s.cfg.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping server: %v",
			strings.Join(errs, "; "))
	}

	return nil
}
