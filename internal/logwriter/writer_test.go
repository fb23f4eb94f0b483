package logwriter

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sizePolicy(max int64, keep int) Policy {
	p := DefaultPolicy()
	p.Mode = ModeRollBySize
	p.MaxSize = max
	p.KeepFiles = keep
	return p
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func outFiles(t *testing.T, dir, service string) []string {
	t.Helper()
	n := newNaming(dir, service, DefaultPolicy())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if _, ok := n.match(kindOut, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// chunk returns a 100 byte line tagged with i.
func chunk(i int) []byte {
	s := fmt.Sprintf("line-%04d ", i)
	return []byte(s + strings.Repeat("x", 99-len(s)) + "\n")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAppendModeGrowsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", DefaultPolicy(), quietLog())
	require.NoError(t, err)
	for _, l := range []string{"one\n", "two\n", "three\n"} {
		w.WriteOut([]byte(l))
	}
	require.NoError(t, w.Close())

	w, err = New(dir, "svc", DefaultPolicy(), quietLog())
	require.NoError(t, err)
	w.WriteOut([]byte("four\n"))
	require.NoError(t, w.Close())

	assert.Equal(t, "one\ntwo\nthree\nfour\n", readFile(t, filepath.Join(dir, "svc.out.log")))
	assert.Equal(t, []string{"svc.out.log"}, outFiles(t, dir, "svc"))
}

func TestResetModeTruncatesOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.out.log")
	require.NoError(t, os.WriteFile(path, []byte("stale output\n"), 0o644))

	p := DefaultPolicy()
	p.Mode = ModeReset
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	w.WriteOut([]byte("fresh\n"))
	assert.Equal(t, "fresh\n", readFile(t, path))
}

func TestNoneModeWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	p := DefaultPolicy()
	p.Mode = ModeNone
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)
	w.WriteOut([]byte("dropped"))
	w.WriteErr([]byte("dropped"))
	w.Rotate()
	w.Archive()
	require.NoError(t, w.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSizeRotationNaming(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", sizePolicy(1000, 2), quietLog())
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		w.WriteOut(chunk(i))
		w.bg.Wait()
	}
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"svc.out.1.log", "svc.out.2.log", "svc.out.log"}, outFiles(t, dir, "svc"))
	// the third roll reused the oldest index
	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(dir, "svc.out.1.log")), string(chunk(20))))
	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(dir, "svc.out.2.log")), string(chunk(10))))
	// an untouched err stream is not rolled
	_, err = os.Stat(filepath.Join(dir, "svc.err.1.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestRotationBoundaryIntegrity(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", sizePolicy(1000, 5), quietLog())
	require.NoError(t, err)
	var want bytes.Buffer
	for i := 0; i < 15; i++ {
		w.WriteOut(chunk(i))
		want.Write(chunk(i))
	}
	require.NoError(t, w.Close())

	got := readFile(t, filepath.Join(dir, "svc.out.1.log")) + readFile(t, filepath.Join(dir, "svc.out.log"))
	assert.Equal(t, want.String(), got)
}

func TestConcurrentWritersLoseNothing(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "svc", sizePolicy(2000, 1000), quietLog())
	require.NoError(t, err)

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				line := chunk(g*perWriter + i)
				if i%2 == 0 {
					w.WriteOut(line)
				} else {
					_, _ = w.Stderr().Write(line)
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	seen := make(map[string]int)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		for _, l := range strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(dir, e.Name())), "\n"), "\n") {
			if l != "" {
				seen[l]++
			}
		}
	}
	require.Len(t, seen, writers*perWriter)
	for l, n := range seen {
		require.Equal(t, 1, n, "line %q duplicated", l)
	}
}

func TestRetentionNeverExceedsKeepFiles(t *testing.T) {
	dir := t.TempDir()
	p := sizePolicy(1<<20, 3)
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for i := 0; i < 12; i++ {
		w.WriteOut(chunk(i))
		w.WriteErr(chunk(i))
		w.Rotate()
		out, errPath := w.ActivePaths()
		for _, kind := range []string{kindOut, kindErr} {
			inactive := 0
			for _, f := range w.list(kind) {
				if f.path != out && f.path != errPath {
					inactive++
				}
			}
			require.LessOrEqual(t, inactive, p.KeepFiles)
		}
	}
}

func TestTimeRotationOpensNewDatedFile(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	p := DefaultPolicy()
	p.Mode = ModeRollByTime
	w, err := newWriter(dir, "svc", p, quietLog(), clk.Now)
	require.NoError(t, err)

	w.WriteOut([]byte("day one\n"))
	clk.Add(24 * time.Hour)
	w.WriteOut([]byte("day two\n"))
	w.bg.Wait()
	w.WriteOut([]byte("still day two\n"))
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"svc.20240301.out.log", "svc.20240302.out.log"}, outFiles(t, dir, "svc"))
	assert.Equal(t, "day one\n", readFile(t, filepath.Join(dir, "svc.20240301.out.log")))
	assert.Equal(t, "day two\nstill day two\n", readFile(t, filepath.Join(dir, "svc.20240302.out.log")))
}

func TestFirstWriteAfterMidnightLandsInNewDay(t *testing.T) {
	for _, mode := range []Mode{ModeRollByTime, ModeRollBySizeAndTime} {
		t.Run(string(mode), func(t *testing.T) {
			dir := t.TempDir()
			clk := &fakeClock{t: time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local)}
			p := DefaultPolicy()
			p.Mode = mode
			w, err := newWriter(dir, "svc", p, quietLog(), clk.Now)
			require.NoError(t, err)

			w.WriteOut([]byte("before midnight\n"))
			w.WriteErr([]byte("err before\n"))
			clk.Add(2 * time.Minute)
			// hold the housekeeping lock so the background pass cannot help
			w.houseMu.Lock()
			w.WriteOut([]byte("after midnight\n"))
			assert.Equal(t, "after midnight\n", readFile(t, filepath.Join(dir, "svc.20240302.out.log")))
			w.houseMu.Unlock()
			w.bg.Wait()

			assert.Equal(t, "before midnight\n", readFile(t, filepath.Join(dir, "svc.20240301.out.log")))
			out, errPath := w.ActivePaths()
			assert.Equal(t, filepath.Join(dir, "svc.20240302.out.log"), out)
			assert.Equal(t, filepath.Join(dir, "svc.20240302.err.log"), errPath)
			require.NoError(t, w.Close())
		})
	}
}

func TestSizeAndTimeKeepsDateSegment(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	p := sizePolicy(1000, 4)
	p.Mode = ModeRollBySizeAndTime
	w, err := newWriter(dir, "svc", p, quietLog(), clk.Now)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		w.WriteOut(chunk(i))
		w.bg.Wait()
	}
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"svc.20240301.out.1.log", "svc.20240301.out.log"}, outFiles(t, dir, "svc"))
}

func zipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(b)
	}
	return out
}

func TestArchiveAgeZeroKeepsOnlyToday(t *testing.T) {
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	p := DefaultPolicy()
	p.Mode = ModeRollByTime
	p.Archive = true
	p.ArchiveDelay = time.Hour
	w, err := newWriter(dir, "svc", p, quietLog(), clk.Now)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.WriteOut([]byte("yesterday\n"))
	clk.Add(24 * time.Hour)
	w.Rotate()
	w.WriteOut([]byte("today\n"))
	w.Archive()

	entries := zipEntries(t, filepath.Join(dir, "svc.202403.zip"))
	assert.Equal(t, "yesterday\n", entries["svc.20240301.out.log"])
	assert.Contains(t, entries, "svc.20240301.err.log")
	assert.Equal(t, []string{"svc.20240302.out.log"}, outFiles(t, dir, "svc"))
	assert.Equal(t, "today\n", readFile(t, filepath.Join(dir, "svc.20240302.out.log")))
}

func TestArchiveAppendsAndSkipsStoredEntries(t *testing.T) {
	dir := t.TempDir()
	p := sizePolicy(1<<20, 10)
	p.Archive = true
	p.ArchiveAfter = time.Nanosecond
	p.ArchiveDelay = time.Hour
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.WriteOut([]byte("first\n"))
	w.Rotate()
	time.Sleep(5 * time.Millisecond)
	w.Archive()
	bucket := time.Now().Format(DefaultArchiveBucket)
	zipPath := filepath.Join(dir, "svc."+bucket+".zip")
	require.Equal(t, "first\n", zipEntries(t, zipPath)["svc.out.1.log"])

	// a stale copy of an archived file is dropped without a second entry
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc.out.1.log"), []byte("first\n"), 0o644))
	w.WriteOut([]byte("second\n"))
	w.Rotate()
	time.Sleep(5 * time.Millisecond)
	w.Archive()

	entries := zipEntries(t, zipPath)
	assert.Len(t, entries, 2)
	assert.Equal(t, "first\n", entries["svc.out.1.log"])
	assert.Equal(t, "second\n", entries["svc.out.2.log"])
	assert.Equal(t, []string{"svc.out.log"}, outFiles(t, dir, "svc"))
}

func TestArchiveRenamesConflictingEntry(t *testing.T) {
	dir := t.TempDir()
	p := sizePolicy(1<<20, 10)
	p.Archive = true
	p.ArchiveAfter = time.Nanosecond
	p.ArchiveDelay = time.Hour
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.WriteOut([]byte("first\n"))
	w.Rotate()
	time.Sleep(5 * time.Millisecond)
	w.Archive()
	w.WriteOut([]byte("another first\n"))
	w.Rotate()
	time.Sleep(5 * time.Millisecond)
	w.Archive()

	entries := zipEntries(t, filepath.Join(dir, "svc."+time.Now().Format(DefaultArchiveBucket)+".zip"))
	assert.Equal(t, "first\n", entries["svc.out.1.log"])
	assert.Equal(t, "another first\n", entries["svc.out.1~2.log"])
}

func TestArchiveNeverTouchesActiveFiles(t *testing.T) {
	dir := t.TempDir()
	p := sizePolicy(500, 1000)
	p.Archive = true
	p.ArchiveAfter = time.Nanosecond
	p.ArchiveDelay = time.Millisecond
	w, err := New(dir, "svc", p, quietLog())
	require.NoError(t, err)

	const total = 400
	stop := make(chan struct{})
	var archiver sync.WaitGroup
	archiver.Add(1)
	go func() {
		defer archiver.Done()
		for {
			select {
			case <-stop:
				return
			default:
				w.Archive()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	for i := 0; i < total; i++ {
		w.WriteOut(chunk(i))
	}
	close(stop)
	archiver.Wait()
	out, _ := w.ActivePaths()
	require.NoError(t, w.Close())

	seen := make(map[string]bool)
	collect := func(content string) {
		for _, l := range strings.Split(content, "\n") {
			if l != "" {
				require.False(t, seen[l], "line %q stored twice", l)
				seen[l] = true
			}
		}
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if strings.HasSuffix(e.Name(), ".zip") {
			for name, content := range zipEntries(t, path) {
				require.NotEqual(t, filepath.Base(out), name, "active file archived")
				collect(content)
			}
			continue
		}
		collect(readFile(t, path))
	}
	assert.Len(t, seen, total)
}

func TestNamingIgnoresOtherServicesFiles(t *testing.T) {
	n := newNaming("", "svc", DefaultPolicy())
	date, ok := n.match(kindOut, "svc.20240301.out.2.log")
	assert.True(t, ok)
	assert.Equal(t, "20240301", date)
	_, ok = n.match(kindOut, "svc.out.1.log")
	assert.True(t, ok)
	_, ok = n.match(kindOut, "svc.x.out.log")
	assert.False(t, ok)
	_, ok = n.match(kindOut, "svc.x.20240301.out.1.log")
	assert.False(t, ok)
}

func TestRetentionLeavesNeighbourServiceAlone(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"svc.x.out.log", "svc.x.out.1.log", "svc.x.out.2.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("neighbour\n"), 0o600))
	}
	w, err := New(dir, "svc", sizePolicy(200, 1), quietLog())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		w.WriteOut(chunk(i))
		w.bg.Wait()
	}
	require.NoError(t, w.Close())

	for _, name := range []string{"svc.x.out.log", "svc.x.out.1.log", "svc.x.out.2.log"} {
		assert.Equal(t, "neighbour\n", readFile(t, filepath.Join(dir, name)))
	}
	assert.Equal(t, []string{"svc.out.1.log", "svc.out.log"}, outFiles(t, dir, "svc"))
}
