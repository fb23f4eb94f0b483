package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcwrap/internal/metrics"
	"github.com/loykin/svcwrap/internal/proctree"
)

var (
	ErrTerminalFailure = errors.New("supervisor: restart limit reached, service stopped")
	ErrAlreadyRunning  = errors.New("supervisor: already running")
)

const (
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second

	trackInterval = 5 * time.Second
)

// LogSink receives the supervised process output.
type LogSink interface {
	Stdout() io.Writer
	Stderr() io.Writer
	WriteErr(b []byte)
	Close() error
}

// Dumper captures crash artifacts.
type Dumper interface {
	Capture(pid int, reason string) string
	Close() error
}

type Options struct {
	Service         string
	Process         proctree.Spec
	Restart         RestartConfig
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
}

type Deps struct {
	Logs       LogSink
	Dumps      Dumper
	Controller *proctree.Controller
	Log        *slog.Logger
}

// Status is a point-in-time view for status reporting.
type Status struct {
	Service      string    `json:"service"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Restarts     int       `json:"restarts"`
	Attempts     int       `json:"attempts_in_window"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
}

// Supervisor runs one service: start, monitor, classify exit, restart or give up.
type Supervisor struct {
	opts  Options
	logs  LogSink
	dumps Dumper
	ctrl  *proctree.Controller
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	state    State
	handle   *proctree.Handle
	acct     Accounting
	restarts int
	lastExit *int
	subs     []func(Event)
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options, deps Deps) *Supervisor {
	if opts.Service == "" {
		opts.Service = opts.Process.Name
	}
	if opts.Process.Name == "" {
		opts.Process.Name = opts.Service
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Restart.Policy == "" {
		opts.Restart.Policy = OnFailure
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", opts.Service)
	ctrl := deps.Controller
	if ctrl == nil {
		ctrl = proctree.New(log)
	}
	s := &Supervisor{
		opts:  opts,
		logs:  deps.Logs,
		dumps: deps.Dumps,
		ctrl:  ctrl,
		log:   log,
		now:   time.Now,
	}
	if s.dumps != nil && ctrl.OnHang == nil {
		ctrl.OnHang = func(h *proctree.Handle) { s.dumps.Capture(h.PID, "hang") }
	}
	return s
}

// Subscribe registers fn for lifecycle events. fn runs on the monitor goroutine
// and must not block.
func (s *Supervisor) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID is the pid of the running instance, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.handle.Exited() {
		return 0
	}
	return s.handle.PID
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Service:  s.opts.Service,
		State:    s.state.String(),
		Restarts: s.restarts,
		Attempts: s.acct.Attempts,
	}
	if s.handle != nil && !s.handle.Exited() {
		st.PID = s.handle.PID
		st.StartedAt = s.handle.StartedAt
	}
	if s.lastExit != nil {
		c := *s.lastExit
		st.LastExitCode = &c
	}
	return st
}

// Run supervises until ctx is cancelled, Stop is called or the restart budget
// is exhausted. Resources handed in through Deps are disposed before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)
	defer cancel()

	err := s.loop(ctx)
	s.dispose()
	return err
}

// Stop cancels Run and waits for it to finish disposing.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(Starting)
		h, err := s.ctrl.Start(s.opts.Process, s.stdout(), s.stderr())
		exitCode := -1
		if err != nil {
			s.log.Error("failed to start process", "error", err)
			s.mu.Lock()
			s.handle = nil
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.handle = h
			s.mu.Unlock()
			metrics.IncStart(s.opts.Service)
			s.setState(Running)
			s.emit(Event{Type: EventStarted, Service: s.opts.Service, PID: h.PID, At: h.StartedAt})

			if stopped := s.monitor(ctx, h); stopped {
				return nil
			}
			exitCode = s.classify(h)
		}

		s.mu.Lock()
		allowed, acct := Decide(s.opts.Restart, s.acct, s.now())
		s.acct = acct
		s.mu.Unlock()
		if !allowed {
			return s.terminal(exitCode)
		}

		s.setState(RestartScheduled)
		s.mu.Lock()
		s.restarts++
		prev := s.handle
		s.mu.Unlock()
		metrics.IncRestart(s.opts.Service)
		s.log.Info("restart scheduled", "delay", s.opts.Restart.Delay, "attempt", acct.Attempts,
			"max_attempts", s.opts.Restart.MaxAttempts, "policy", s.opts.Restart.Policy)
		if prev != nil {
			s.ctrl.EnsureTerminated(prev, s.opts.ShutdownTimeout)
		}
		if !sleepCtx(ctx, s.opts.Restart.Delay) {
			return nil
		}
	}
}

// monitor polls h until it exits (false) or ctx is cancelled (true).
func (s *Supervisor) monitor(ctx context.Context, h *proctree.Handle) bool {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	var tracked time.Time
	for {
		select {
		case <-ctx.Done():
			return true
		case <-t.C:
		}
		if h.Exited() {
			return false
		}
		if time.Since(tracked) >= trackInterval {
			h.TrackDescendants()
			tracked = time.Now()
		}
	}
}

// classify records the exit of h and returns its exit code.
func (s *Supervisor) classify(h *proctree.Handle) int {
	code := h.ExitCode()
	s.mu.Lock()
	s.lastExit = &code
	s.mu.Unlock()
	ev := Event{Service: s.opts.Service, PID: h.PID, At: h.StoppedAt(), ExitCode: code}
	if code == 0 {
		s.setState(ExitedZero)
		s.log.Info("process exited", "pid", h.PID, "exit_code", code)
		metrics.IncStop(s.opts.Service)
		ev.Type = EventStopped
	} else {
		s.setState(ExitedNonZero)
		s.log.Warn("process exited with failure", "pid", h.PID, "exit_code", code,
			"attempt", s.attempts(), "max_attempts", s.opts.Restart.MaxAttempts)
		metrics.IncCrash(s.opts.Service)
		if s.dumps != nil {
			s.dumps.Capture(h.PID, "crash")
		}
		ev.Type = EventCrashed
	}
	s.emit(ev)
	return code
}

func (s *Supervisor) terminal(exitCode int) error {
	s.setState(TerminalFailure)
	acct := s.accounting()
	if s.opts.Restart.Policy == Never && exitCode == 0 {
		s.log.Info("process finished, restart policy is never")
		return nil
	}
	msg := fmt.Sprintf("service %s stopped: restart policy %s refused a restart (attempts %d of %d within %s, last exit code %d)",
		s.opts.Service, s.opts.Restart.Policy, acct.Attempts, s.opts.Restart.MaxAttempts, s.opts.Restart.Window, exitCode)
	s.log.Error(msg, "exit_code", exitCode, "attempt", acct.Attempts, "max_attempts", s.opts.Restart.MaxAttempts)
	if s.logs != nil {
		s.logs.WriteErr([]byte(fmt.Sprintf("%s [svcwrap] %s\n", s.now().Format(time.RFC3339), msg)))
	}
	return ErrTerminalFailure
}

// dispose terminates the current instance and closes the crash-dump manager and log sink, in that order.
func (s *Supervisor) dispose() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil && !h.Exited() {
		s.setState(Stopping)
		s.ctrl.EnsureTerminated(h, s.opts.ShutdownTimeout)
		metrics.IncStop(s.opts.Service)
		s.emit(Event{Type: EventStopped, Service: s.opts.Service, PID: h.PID, At: s.now(), ExitCode: h.ExitCode()})
		s.setState(Idle)
	} else if s.State() != TerminalFailure {
		s.setState(Idle)
	}
	if s.dumps != nil {
		if err := s.dumps.Close(); err != nil {
			s.log.Warn("close crash dump manager failed", "error", err)
		}
	}
	if s.logs != nil {
		if err := s.logs.Close(); err != nil {
			s.log.Warn("close log writer failed", "error", err)
		}
	}
}

func (s *Supervisor) setState(n State) {
	s.mu.Lock()
	old := s.state
	s.state = n
	s.mu.Unlock()
	if old == n {
		return
	}
	metrics.RecordStateTransition(s.opts.Service, old.String(), n.String())
	metrics.SetCurrentState(s.opts.Service, old.String(), false)
	metrics.SetCurrentState(s.opts.Service, n.String(), true)
	s.log.Debug("state changed", "from", old.String(), "to", n.String())
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	subs := append([]func(Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *Supervisor) accounting() Accounting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct
}

func (s *Supervisor) attempts() int { return s.accounting().Attempts }

func (s *Supervisor) stdout() io.Writer {
	if s.logs == nil {
		return io.Discard
	}
	return s.logs.Stdout()
}

func (s *Supervisor) stderr() io.Writer {
	if s.logs == nil {
		return io.Discard
	}
	return s.logs.Stderr()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
