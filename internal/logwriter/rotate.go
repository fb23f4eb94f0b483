package logwriter

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loykin/svcwrap/internal/metrics"
)

// Rotate rolls both streams now, regardless of size or date.
func (w *Writer) Rotate() { w.rotate("manual") }

func (w *Writer) rotate(trigger string) {
	if w.policy.Mode == ModeNone {
		return
	}
	w.houseMu.Lock()
	defer w.houseMu.Unlock()

	w.rotMu.Lock()
	if w.closed {
		w.rotMu.Unlock()
		return
	}
	now := w.now()
	if trigger == "size" && !w.sizeDue() {
		w.rotMu.Unlock()
		return
	}
	day := w.names.day(now)
	rolled := 0
	active := make(map[string]string, 2)
	for _, s := range w.streams() {
		s.mu.Lock()
		// a day change only moves streams still on an earlier day; the
		// writer may have switched some of them already
		if trigger != "time" || s.day != day {
			w.roll(s, now)
			rolled++
		}
		active[s.kind] = s.path
		s.mu.Unlock()
	}
	w.rotMu.Unlock()

	if rolled > 0 {
		metrics.IncRotation(w.service, trigger)
		w.log.Info("log rotated", "trigger", trigger, "out", active[kindOut], "err", active[kindErr])
	}

	for kind, path := range active {
		w.prune(kind, path)
	}
	w.scheduleArchive()
}

// sizeDue re-checks the size trigger under the rotation lock; another rotation may have run already.
func (w *Writer) sizeDue() bool {
	for _, s := range w.streams() {
		if s.size >= w.policy.MaxSize {
			return true
		}
	}
	return false
}

// roll closes s, renames the finished file when the next name would collide with it and reopens.
// Caller holds rotMu exclusively and s.mu.
func (w *Writer) roll(s *stream, now time.Time) {
	old := s.path
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			w.log.Warn("close log file failed", "path", old, "error", err)
		}
		s.f = nil
	}
	next := w.names.active(s.kind, now)
	if w.policy.Mode != ModeRollByTime && next == old {
		if fi, err := os.Stat(old); err == nil && fi.Size() > 0 {
			target := w.nextRolled(old)
			if err := os.Rename(old, target); err != nil {
				metrics.IncLogError(w.service, "rename")
				w.log.Warn("rename log file failed", "from", old, "to", target, "error", err)
			}
		}
	}
	if err := w.open(s, now, false); err != nil {
		metrics.IncLogError(w.service, "open")
		w.log.Error("reopen log file failed", "stream", s.kind, "error", err)
	}
}

// nextRolled picks the lowest free index in 1..keep. When all are taken the
// oldest rolled file is removed and its index reused.
func (w *Writer) nextRolled(active string) string {
	limit := w.policy.KeepFiles
	if limit < 1 {
		limit = 1
	}
	var oldest string
	var oldestT time.Time
	for i := 1; i <= limit; i++ {
		p := rolled(active, i)
		fi, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p
		}
		if err == nil && (oldest == "" || fi.ModTime().Before(oldestT)) {
			oldest, oldestT = p, fi.ModTime()
		}
	}
	if oldest == "" {
		return rolled(active, 1)
	}
	if err := os.Remove(oldest); err != nil {
		w.log.Warn("remove oldest rolled file failed", "path", oldest, "error", err)
	}
	return oldest
}

type logFile struct {
	path string
	name string
	date string
	mod  time.Time
	size int64
}

// list returns the files of stream kind in the log dir, newest first.
func (w *Writer) list(kind string) []logFile {
	entries, err := os.ReadDir(w.names.dir)
	if err != nil {
		w.log.Warn("list log dir failed", "dir", w.names.dir, "error", err)
		return nil
	}
	var out []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		date, ok := w.names.match(kind, e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, logFile{
			path: filepath.Join(w.names.dir, e.Name()),
			name: e.Name(),
			date: date,
			mod:  fi.ModTime(),
			size: fi.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].mod.Equal(out[j].mod) {
			return out[i].name > out[j].name
		}
		return out[i].mod.After(out[j].mod)
	})
	return out
}

// prune keeps the newest KeepFiles non-active files of kind.
func (w *Writer) prune(kind, active string) {
	kept := 0
	for _, f := range w.list(kind) {
		if f.path == active {
			continue
		}
		if kept < w.policy.KeepFiles {
			kept++
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			metrics.IncLogError(w.service, "prune")
			w.log.Warn("remove old log file failed", "path", f.path, "error", err)
			continue
		}
		w.log.Debug("removed old log file", "path", f.path)
	}
}
