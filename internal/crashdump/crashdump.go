package crashdump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/loykin/svcwrap/internal/metrics"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrProcessGone     = errors.New("crashdump: process is gone")
	ErrUnsupportedType = errors.New("crashdump: unsupported dump type")
)

// DumpType is the symbolic snapshot level.
type DumpType string

const (
	Minimal          DumpType = "minimal"
	WithDataSegments DumpType = "with-data-segments"
	FullMemory       DumpType = "full-memory"
	Custom           DumpType = "custom"
)

func ParseDumpType(s string) (DumpType, error) {
	t := DumpType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch t {
	case "":
		return Minimal, nil
	case Minimal, WithDataSegments, FullMemory, Custom:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

const (
	DefaultMaxCount = 10
	DefaultMaxAge   = 30 * 24 * time.Hour

	ext           = ".dmp"
	snapshotLimit = 30 * time.Second
)

type Config struct {
	Enabled     bool
	Dir         string
	Type        DumpType
	IncludeHeap bool
	Compress    bool
	MaxCount    int
	MaxAge      time.Duration
}

// Options are handed to the Snapshotter for one capture.
type Options struct {
	Type        DumpType
	IncludeHeap bool
}

// Snapshotter writes a diagnostic snapshot of a live process to w.
type Snapshotter interface {
	Snapshot(ctx context.Context, pid int32, opts Options, w io.Writer) error
}

// Manager captures crash artifacts and enforces their retention.
type Manager struct {
	service string
	cfg     Config
	snap    Snapshotter
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewManager validates cfg. A nil snap uses ProcSnapshotter.
func NewManager(service string, cfg Config, snap Snapshotter, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, errors.New("crashdump: dir is required")
		}
		if _, err := ParseDumpType(string(cfg.Type)); err != nil {
			return nil, err
		}
	}
	if snap == nil {
		snap = ProcSnapshotter{}
	}
	return &Manager{
		service: service,
		cfg:     cfg,
		snap:    snap,
		log:     log.With("component", "crashdump", "service", service),
		now:     time.Now,
	}, nil
}

// Capture snapshots pid and returns the artifact path, or "" when nothing was produced.
// It never fails the caller.
func (m *Manager) Capture(pid int, reason string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.cfg.Enabled {
		return ""
	}
	typ := m.cfg.Type
	if typ == "" {
		typ = Minimal
	}
	if _, err := ParseDumpType(string(typ)); err != nil {
		metrics.IncCrashDump(m.service, "unsupported")
		m.log.Warn("crash dump skipped", "pid", pid, "error", err)
		return ""
	}
	if ok, _ := process.PidExists(int32(pid)); !ok { // #nosec G115 -- pids fit in int32
		// the usual outcome for a reaped exit; the hang capture runs while it is alive
		metrics.IncCrashDump(m.service, "gone")
		m.log.Debug("crash dump skipped, process already gone", "pid", pid, "reason", reason)
		return ""
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		metrics.IncCrashDump(m.service, "failed")
		m.log.Warn("create dump dir failed", "dir", m.cfg.Dir, "error", err)
		return ""
	}
	path := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s_%d_%s_%s%s",
		m.service, pid, sanitize(reason), m.now().Format("20060102T150405"), ext))
	if err := m.write(path, int32(pid), Options{Type: typ, IncludeHeap: m.cfg.IncludeHeap}); err != nil { // #nosec G115
		_ = os.Remove(path)
		if errors.Is(err, ErrProcessGone) {
			metrics.IncCrashDump(m.service, "gone")
			m.log.Debug("crash dump skipped, process exited during snapshot", "pid", pid, "reason", reason)
			return ""
		}
		metrics.IncCrashDump(m.service, "failed")
		m.log.Warn("crash dump failed", "pid", pid, "reason", reason, "error", err)
		return ""
	}
	if m.cfg.Compress {
		if gz, err := compress(path); err != nil {
			m.log.Warn("compress crash dump failed", "path", path, "error", err)
		} else {
			path = gz
		}
	}
	metrics.IncCrashDump(m.service, "ok")
	m.log.Info("crash dump written", "pid", pid, "reason", reason, "path", path)
	m.cleanup()
	return path
}

func (m *Manager) write(path string, pid int32, opts Options) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotLimit)
	defer cancel()
	if err := m.snap.Snapshot(ctx, pid, opts, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// compress gzips path next to itself and removes the original.
func compress(path string) (string, error) {
	dst := path + ".gz"
	in, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	_ = in.Close()
	_ = os.Remove(path)
	return dst, nil
}

// Cleanup deletes artifacts beyond MaxCount (oldest first) and older than MaxAge.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup()
}

type artifact struct {
	path string
	mod  time.Time
}

func (m *Manager) cleanup() {
	if m.cfg.Dir == "" {
		return
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("list dump dir failed", "dir", m.cfg.Dir, "error", err)
		}
		return
	}
	var arts []artifact
	prefix := m.service + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, ext) && !strings.HasSuffix(name, ext+".gz") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		arts = append(arts, artifact{path: filepath.Join(m.cfg.Dir, name), mod: fi.ModTime()})
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].mod.After(arts[j].mod) })

	cutoff := m.now().Add(-m.cfg.MaxAge)
	for i, a := range arts {
		overCount := m.cfg.MaxCount > 0 && i >= m.cfg.MaxCount
		tooOld := m.cfg.MaxAge > 0 && a.mod.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("remove crash dump failed", "path", a.path, "error", err)
			continue
		}
		m.log.Debug("removed crash dump", "path", a.path)
	}
}

// Close disables further captures.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}
