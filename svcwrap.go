// Package svcwrap runs one long-lived child process as a supervised service:
// its output goes to rotated log files, crashes are captured and restarts are
// governed by a bounded policy.
package svcwrap

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcwrap/internal/config"
	"github.com/loykin/svcwrap/internal/crashdump"
	"github.com/loykin/svcwrap/internal/history"
	"github.com/loykin/svcwrap/internal/history/factory"
	"github.com/loykin/svcwrap/internal/logwriter"
	"github.com/loykin/svcwrap/internal/metrics"
	"github.com/loykin/svcwrap/internal/proctree"
	"github.com/loykin/svcwrap/internal/server"
	"github.com/loykin/svcwrap/internal/supervisor"
)

// Re-export core types for external consumers.

type Spec = config.ServiceSpec

type Status = supervisor.Status

type State = supervisor.State

type Event = supervisor.Event

type HistorySink = history.Sink

var (
	ErrMissingExecutable = config.ErrMissingExecutable
	ErrTerminalFailure   = supervisor.ErrTerminalFailure
	ErrLaunch            = proctree.ErrLaunch
)

// Load reads and validates a TOML service definition.
func Load(path string) (*Spec, error) { return config.Load(path) }

// RegisterMetrics registers the wrapper's Prometheus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

type Option func(*Service)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithHistorySinks adds sinks in addition to the DSNs in Spec.HistorySinks.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithSnapshotter replaces the process snapshotter used for crash dumps.
func WithSnapshotter(snap crashdump.Snapshotter) Option {
	return func(s *Service) { s.snap = snap }
}

// Service is one wrapped process with its log writer, crash artifact manager
// and supervisor.
type Service struct {
	spec  *Spec
	log   *slog.Logger
	sinks []history.Sink
	snap  crashdump.Snapshotter

	logs  *logwriter.Writer
	dumps *crashdump.Manager
	sup   *supervisor.Supervisor
	fwd   *history.Forwarder
}

// New prepares the service. Log files are opened immediately; the process is
// started by Run.
func New(spec *Spec, opts ...Option) (*Service, error) {
	s := &Service{spec: spec}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("service", spec.Name)

	for _, dsn := range spec.HistorySinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			s.log.Warn("history sink unavailable", "dsn", dsn, "error", err)
			continue
		}
		s.sinks = append(s.sinks, sink)
	}

	w, err := logwriter.New(spec.LogDir, spec.Name, spec.LogPolicy, s.log)
	if err != nil {
		s.closeSinks()
		return nil, err
	}
	s.logs = w

	dm, err := crashdump.NewManager(spec.Name, spec.CrashDump, s.snap, s.log)
	if err != nil {
		_ = w.Close()
		s.closeSinks()
		return nil, err
	}
	s.dumps = dm

	s.sup = supervisor.New(spec.SupervisorOptions(), supervisor.Deps{
		Logs:       w,
		Dumps:      dm,
		Controller: proctree.New(s.log),
		Log:        s.log,
	})
	if len(s.sinks) > 0 {
		s.fwd = history.NewForwarder(s.log, history.DefaultQueueSize, s.sinks...)
		s.sup.Subscribe(s.fwd.Observe)
	}
	return s, nil
}

func (s *Service) closeSinks() {
	for _, sink := range s.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// Run starts the process and supervises it until ctx is cancelled, Stop is
// called, or the restart budget is exhausted (ErrTerminalFailure). On return
// the process tree is gone and the log files are closed.
func (s *Service) Run(ctx context.Context) error {
	var srv *server.Server
	if addr := s.spec.MetricsListen; addr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			s.log.Warn("metrics registration failed", "error", err)
		}
		var err error
		srv, err = server.NewServer(addr, server.NewRouter(s.sup, nil, ""), s.log)
		if err != nil {
			s.log.Error("status server failed to start", "addr", addr, "error", err)
		}
	}

	err := s.sup.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if s.fwd != nil {
		_ = s.fwd.Close()
	}
	return err
}

// Stop requests shutdown and waits for Run to finish disposing.
func (s *Service) Stop() { s.sup.Stop() }

func (s *Service) Status() Status { return s.sup.Status() }

// Subscribe registers fn for lifecycle events. fn must not block.
func (s *Service) Subscribe(fn func(Event)) { s.sup.Subscribe(fn) }

// Rotate forces a rotation of both log streams.
func (s *Service) Rotate() { s.logs.Rotate() }

// Archive runs one archival pass immediately.
func (s *Service) Archive() { s.logs.Archive() }

// LogPaths returns the active out and err log file paths.
func (s *Service) LogPaths() (out, err string) { return s.logs.ActivePaths() }
