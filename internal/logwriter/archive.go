package logwriter

import (
	"archive/zip"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/flate"
	"github.com/loykin/svcwrap/internal/metrics"
)

// Archive moves aged, inactive log files into {service}.{bucket}.zip containers.
// A pass already in progress makes this call a no-op.
func (w *Writer) Archive() {
	if w.policy.Mode == ModeNone || !w.archiving.CompareAndSwap(false, true) {
		return
	}
	defer w.archiving.Store(false)

	// Holding houseMu keeps the active targets fixed for the whole pass.
	w.houseMu.Lock()
	defer w.houseMu.Unlock()

	w.rotMu.RLock()
	closed := w.closed
	w.rotMu.RUnlock()
	if closed {
		return
	}
	outPath, errPath := w.ActivePaths()
	now := w.now()
	groups := w.archivable(now, outPath, errPath)
	if len(groups) == 0 {
		return
	}
	buckets := make([]string, 0, len(groups))
	for b := range groups {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, b := range buckets {
		w.archiveBucket(b, groups[b])
	}
}

// archivable groups candidate files by archive bucket.
func (w *Writer) archivable(now time.Time, active ...string) map[string][]logFile {
	skip := make(map[string]bool, len(active))
	for _, p := range active {
		if p != "" {
			skip[filepath.Clean(p)] = true
		}
	}
	cutoff := now.Add(-w.policy.ArchiveAfter)
	today := w.names.day(now)
	groups := make(map[string][]logFile)
	for _, kind := range []string{kindOut, kindErr} {
		for _, f := range w.list(kind) {
			if skip[filepath.Clean(f.path)] {
				continue
			}
			stamp := w.fileTime(f)
			if w.policy.ArchiveAfter == 0 {
				if w.names.day(stamp) == today {
					continue
				}
			} else if !f.mod.Before(cutoff) {
				continue
			}
			b := stamp.Format(w.names.bucket)
			groups[b] = append(groups[b], f)
		}
	}
	return groups
}

// fileTime prefers the date carried by the file name and falls back to the mtime.
func (w *Writer) fileTime(f logFile) time.Time {
	if f.date != "" {
		if t, err := time.ParseInLocation(w.names.pattern, f.date, time.Local); err == nil {
			return t.Add(w.names.offset)
		}
	}
	return f.mod
}

func (w *Writer) archiveBucket(bucket string, files []logFile) {
	dst := w.names.archive(bucket)
	done, err := w.writeContainer(dst, files)
	if err != nil {
		metrics.IncLogError(w.service, "archive")
		w.log.Warn("archive failed", "archive", dst, "error", err)
		return
	}
	for _, p := range done {
		w.removeArchived(p)
	}
	if len(done) > 0 {
		metrics.AddArchived(w.service, len(done))
		w.log.Info("archived log files", "archive", dst, "files", len(done))
	}
}

// writeContainer rebuilds dst with its existing entries plus files and swaps it in
// atomically. It returns the sources whose bytes are now in the container.
func (w *Writer) writeContainer(dst string, files []logFile) ([]string, error) {
	existing := make(map[string]entryInfo)
	var prev *zip.ReadCloser
	if _, err := os.Stat(dst); err == nil {
		prev, err = zip.OpenReader(dst)
		if err != nil {
			return nil, fmt.Errorf("open existing archive: %w", err)
		}
		defer func() { _ = prev.Close() }()
		for _, f := range prev.File {
			existing[f.Name] = entryInfo{size: f.UncompressedSize64, crc: f.CRC32}
		}
	}

	tmp, err := os.CreateTemp(w.names.dir, filepath.Base(dst)+".*.tmp")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	abort := func(cause error) ([]string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, cause
	}

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	entries := 0
	if prev != nil {
		for _, f := range prev.File {
			if err := zw.Copy(f); err != nil {
				return abort(fmt.Errorf("copy entry %s: %w", f.Name, err))
			}
			entries++
		}
	}

	var done []string
	for _, f := range files {
		name := f.name
		if e, ok := existing[name]; ok {
			if e.size == uint64(f.size) && fileCRC(f.path) == e.crc {
				// stored by an earlier pass whose delete did not go through
				done = append(done, f.path)
				continue
			}
			name = uniqueEntry(name, existing)
		}
		ok, err := addEntry(zw, f, name)
		if err != nil {
			return abort(fmt.Errorf("add %s: %w", f.name, err))
		}
		if !ok {
			w.log.Debug("skipping unreadable log file", "path", f.path)
			continue
		}
		existing[name] = entryInfo{size: uint64(f.size)}
		entries++
		done = append(done, f.path)
	}

	if err := zw.Close(); err != nil {
		return abort(err)
	}
	if err := tmp.Sync(); err != nil {
		return abort(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	if entries == 0 {
		_ = os.Remove(tmpName)
		if prev != nil {
			_ = prev.Close()
			_ = os.Remove(dst)
		}
		return nil, nil
	}
	if prev != nil {
		_ = prev.Close()
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	return done, nil
}

// addEntry streams one file into zw. A file that can not be opened is skipped (ok=false).
func addEntry(zw *zip.Writer, f logFile, name string) (ok bool, err error) {
	src, err := os.Open(f.path) // #nosec G304 -- path comes from the log dir listing
	if err != nil {
		return false, nil
	}
	defer func() { _ = src.Close() }()
	fi, err := src.Stat()
	if err != nil {
		return false, nil
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return false, err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		return false, err
	}
	return true, nil
}

type entryInfo struct {
	size uint64
	crc  uint32
}

func fileCRC(path string) uint32 {
	f, err := os.Open(path) // #nosec G304 -- path comes from the log dir listing
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0
	}
	return h.Sum32()
}

func uniqueEntry(name string, existing map[string]entryInfo) string {
	stem := strings.TrimSuffix(name, ".log")
	for i := 2; ; i++ {
		c := stem + "~" + strconv.Itoa(i) + ".log"
		if _, ok := existing[c]; !ok {
			return c
		}
	}
}

// removeArchived deletes an archived source, retrying while the file is transiently locked.
func (w *Writer) removeArchived(path string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}, backoff.WithMaxRetries(b, 5))
	if err != nil {
		metrics.IncLogError(w.service, "archive_delete")
		w.log.Warn("archived file left in place", "path", path, "error", err)
	}
}
