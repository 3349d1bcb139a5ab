package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/proxylog/internal/config"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/internal/observability"
	"github.com/harun/proxylog/internal/tracing"
	"github.com/harun/proxylog/pkg/requestlog"
)

// AuditFileName is the audit log inside the data directory.
const AuditFileName = "audit.log"

// shutdownTimeout bounds how long Stop waits for a running sweep.
const shutdownTimeout = 30 * time.Second

// Daemon hosts the request logging service as a long running process. It
// exists to run the retention sweeps and serve metrics over the log directory;
// live traffic is recorded by whatever process embeds requestlog.Service, so
// the daemon's own session registry stays empty.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	service   *requestlog.Service
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	metricsServer *http.Server
	metricsAddr   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point in time view of the daemon
type Status struct {
	Running        bool
	Uptime         time.Duration
	StartTime      time.Time
	ActiveSessions int
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, AuditFileName)
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		log.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	service, err := requestlog.New(cfg, requestlog.Options{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize request logging: %w", err)
	}
	d.service = service

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// WatchConfig applies config file changes seen by loader to the running
// service.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	return d.service.Watch(loader)
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting proxylog daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.service.Start(); err != nil {
		return fmt.Errorf("failed to start request logging: %w", err)
	}
	logger.Info().Msg("Request log service started")

	if addr := d.config.Telemetry.MetricsAddr; addr != "" {
		if err := d.startMetricsServer(addr); err != nil {
			return err
		}
		logger.Info().Str("addr", d.metricsAddr).Msg("Metrics server started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) startMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.metricsAddr = ln.Addr().String()

	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the daemon
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping proxylog daemon")

	// Cancel first so the event loop does not scan while files close
	d.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.service.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop request log service")
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if sessions := d.service.Sessions(); sessions != nil {
		status.ActiveSessions = len(sessions.GetActiveSessions())
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetService returns the request log service
func (d *Daemon) GetService() *requestlog.Service {
	return d.service
}

// MetricsAddr returns the address the metrics server listens on, empty when
// it is disabled or not started.
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}
