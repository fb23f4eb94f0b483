package logwriter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcwrap/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Lock order, everywhere: houseMu -> rotMu -> stream.mu.
// Writes only take rotMu (shared) and the stream lock.

type stream struct {
	mu   sync.Mutex
	kind string
	path string
	day  string
	f    *os.File
	size int64
}

// Writer owns the out and err files of one supervised service.
type Writer struct {
	service string
	policy  Policy
	names   naming
	log     *slog.Logger
	now     func() time.Time

	houseMu sync.Mutex
	rotMu   sync.RWMutex
	out     *stream
	err     *stream
	closed  bool // guarded by rotMu

	rotating  atomic.Bool
	archiving atomic.Bool

	bgMu     sync.Mutex
	bgClosed bool
	bg       sync.WaitGroup
	archiveT *time.Timer
	sched    *cron.Cron

	closeOnce sync.Once
}

// New opens both streams under dir. In reset mode existing files are truncated first.
func New(dir, service string, p Policy, log *slog.Logger) (*Writer, error) {
	return newWriter(dir, service, p, log, time.Now)
}

func newWriter(dir, service string, p Policy, log *slog.Logger, now func() time.Time) (*Writer, error) {
	if service == "" {
		return nil, fmt.Errorf("logwriter: service name required")
	}
	if p.Mode == "" {
		p.Mode = ModeAppend
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("logwriter: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		service: service,
		policy:  p,
		names:   newNaming(dir, service, p),
		log:     log.With("component", "logwriter", "service", service),
		now:     now,
		out:     &stream{kind: kindOut},
		err:     &stream{kind: kindErr},
	}
	if p.Mode == ModeNone {
		return w, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("logwriter: create dir: %w", err)
	}
	t := now()
	for _, s := range w.streams() {
		if err := w.open(s, t, p.Mode == ModeReset); err != nil {
			w.closeStreams()
			return nil, err
		}
	}
	if p.Mode.byTime() {
		w.sched = cron.New(cron.WithLocation(time.Local))
		spec := fmt.Sprintf("%d %d * * *", p.RolloverMinute, p.RolloverHour)
		if _, err := w.sched.AddFunc(spec, func() { w.rotate("time") }); err != nil {
			w.closeStreams()
			return nil, fmt.Errorf("logwriter: schedule rollover: %w", err)
		}
		w.sched.Start()
	}
	if p.Archive {
		w.scheduleArchive()
	}
	return w, nil
}

func (w *Writer) streams() []*stream { return []*stream{w.out, w.err} }

// open (re)opens s at the path for time t. Callers hold s.mu or own w exclusively.
func (w *Writer) open(s *stream, t time.Time, truncate bool) error {
	path := w.names.active(s.kind, t)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644) // #nosec G302 G304 -- log files are meant to be readable
	if err != nil {
		return fmt.Errorf("logwriter: open %s: %w", path, err)
	}
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	s.f, s.path, s.size, s.day = f, path, size, w.names.day(t)
	return nil
}

// WriteOut appends b to the out stream.
func (w *Writer) WriteOut(b []byte) { w.write(w.out, b) }

// WriteErr appends b to the err stream.
func (w *Writer) WriteErr(b []byte) { w.write(w.err, b) }

// Stdout adapts the out stream to io.Writer. Writes never fail.
func (w *Writer) Stdout() io.Writer { return streamWriter{w: w, s: w.out} }

// Stderr adapts the err stream to io.Writer. Writes never fail.
func (w *Writer) Stderr() io.Writer { return streamWriter{w: w, s: w.err} }

type streamWriter struct {
	w *Writer
	s *stream
}

func (sw streamWriter) Write(b []byte) (int, error) {
	sw.w.write(sw.s, b)
	return len(b), nil
}

func (w *Writer) write(s *stream, b []byte) {
	if w.policy.Mode == ModeNone || len(b) == 0 {
		return
	}
	w.rotMu.RLock()
	if w.closed {
		w.rotMu.RUnlock()
		return
	}
	s.mu.Lock()
	now := w.now()
	var err error
	trigger := ""
	if w.policy.Mode.byTime() && s.f != nil && s.day != w.names.day(now) {
		// the new day gets a new dated file, so nothing is renamed and the
		// switch can happen here; the background pass prunes and moves the other stream
		w.switchDay(s, now)
		trigger = "time"
	}
	if s.f == nil {
		// a previous reopen failed; try again before dropping data
		err = w.open(s, now, false)
	}
	var n int
	if err == nil {
		n, err = s.f.Write(b)
		s.size += int64(n)
	}
	if w.policy.Mode.bySize() && s.size >= w.policy.MaxSize {
		trigger = "size"
	}
	s.mu.Unlock()
	w.rotMu.RUnlock()

	if n > 0 {
		metrics.AddLogBytes(w.service, s.kind, n)
	}
	if err != nil {
		metrics.IncLogError(w.service, "write")
		w.log.Warn("log write failed", "stream", s.kind, "error", err)
	}
	if trigger != "" {
		w.triggerRotate(trigger)
	}
}

// switchDay closes the finished day's file of s and opens the one for now.
// Caller holds rotMu (shared) and s.mu.
func (w *Writer) switchDay(s *stream, now time.Time) {
	old := s.path
	if err := s.f.Close(); err != nil {
		w.log.Warn("close log file failed", "path", old, "error", err)
	}
	s.f = nil
	if err := w.open(s, now, false); err != nil {
		metrics.IncLogError(w.service, "open")
		w.log.Error("open log file for new day failed", "stream", s.kind, "error", err)
		return
	}
	metrics.IncRotation(w.service, "time")
	w.log.Info("log day changed", "stream", s.kind, "from", old, "to", s.path)
}

// triggerRotate starts at most one asynchronous rotation.
func (w *Writer) triggerRotate(trigger string) {
	if !w.rotating.CompareAndSwap(false, true) {
		return
	}
	if !w.goBackground(func() {
		defer w.rotating.Store(false)
		w.rotate(trigger)
	}) {
		w.rotating.Store(false)
	}
}

func (w *Writer) goBackground(fn func()) bool {
	w.bgMu.Lock()
	defer w.bgMu.Unlock()
	if w.bgClosed {
		return false
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn()
	}()
	return true
}

// scheduleArchive (re)arms the one-shot archival timer.
func (w *Writer) scheduleArchive() {
	if !w.policy.Archive {
		return
	}
	w.bgMu.Lock()
	defer w.bgMu.Unlock()
	if w.bgClosed {
		return
	}
	if w.archiveT != nil && w.archiveT.Stop() {
		w.bg.Done()
	}
	w.bg.Add(1)
	w.archiveT = time.AfterFunc(w.policy.ArchiveDelay, func() {
		defer w.bg.Done()
		w.Archive()
	})
}

// ActivePaths returns the current out and err targets.
func (w *Writer) ActivePaths() (out, errPath string) {
	w.rotMu.RLock()
	defer w.rotMu.RUnlock()
	w.out.mu.Lock()
	out = w.out.path
	w.out.mu.Unlock()
	w.err.mu.Lock()
	errPath = w.err.path
	w.err.mu.Unlock()
	return out, errPath
}

// Close stops the timers, waits for background work and closes both files. Safe to call twice.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.bgMu.Lock()
		w.bgClosed = true
		if w.archiveT != nil && w.archiveT.Stop() {
			w.bg.Done()
		}
		w.bgMu.Unlock()
		if w.sched != nil {
			<-w.sched.Stop().Done()
		}
		w.bg.Wait()

		w.houseMu.Lock()
		defer w.houseMu.Unlock()
		w.rotMu.Lock()
		defer w.rotMu.Unlock()
		w.closed = true
		w.closeStreams()
	})
	return nil
}

func (w *Writer) closeStreams() {
	for _, s := range w.streams() {
		s.mu.Lock()
		if s.f != nil {
			if err := s.f.Close(); err != nil {
				w.log.Warn("close log file failed", "path", s.path, "error", err)
			}
			s.f = nil
		}
		s.mu.Unlock()
	}
}
