package crashdump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcSnapshotter records what the process table exposes about a live process as JSON.
// Each dump type adds sections on top of the previous one.
type ProcSnapshotter struct{}

type snapshot struct {
	Type       DumpType  `json:"type"`
	CapturedAt time.Time `json:"captured_at"`
	PID        int32     `json:"pid"`
	PPID       int32     `json:"ppid,omitempty"`
	Name       string    `json:"name,omitempty"`
	Exe        string    `json:"exe,omitempty"`
	Cmdline    []string  `json:"cmdline,omitempty"`
	Status     []string  `json:"status,omitempty"`
	CreateTime int64     `json:"create_time,omitempty"`
	NumThreads int32     `json:"num_threads,omitempty"`
	Modules    []string  `json:"modules,omitempty"`

	Memory    *process.MemoryInfoStat  `json:"memory,omitempty"`
	Segments  []process.MemoryMapsStat `json:"segments,omitempty"`
	OpenFiles []process.OpenFilesStat  `json:"open_files,omitempty"`
	Threads   map[int32]*cpu.TimesStat `json:"threads,omitempty"`
	Times     *cpu.TimesStat           `json:"times,omitempty"`
	Children  []int32                  `json:"children,omitempty"`
	Heap      []byte                   `json:"heap,omitempty"`
	Errors    map[string]string        `json:"errors,omitempty"`
}

func (s *snapshot) note(section string, err error) {
	if err == nil {
		return
	}
	if s.Errors == nil {
		s.Errors = make(map[string]string)
	}
	s.Errors[section] = err.Error()
}

func (ProcSnapshotter) Snapshot(ctx context.Context, pid int32, opts Options, w io.Writer) error {
	typ := opts.Type
	if typ == "" {
		typ = Minimal
	}
	if _, err := ParseDumpType(string(typ)); err != nil {
		return err
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrProcessGone
		}
		return fmt.Errorf("%w: %v", ErrProcessGone, err)
	}

	s := &snapshot{Type: typ, CapturedAt: time.Now(), PID: pid}
	var e error
	s.Name, e = p.NameWithContext(ctx)
	s.note("name", e)
	s.PPID, e = p.PpidWithContext(ctx)
	s.note("ppid", e)
	s.Exe, e = p.ExeWithContext(ctx)
	s.note("exe", e)
	s.Cmdline, e = p.CmdlineSliceWithContext(ctx)
	s.note("cmdline", e)
	s.Status, e = p.StatusWithContext(ctx)
	s.note("status", e)
	s.CreateTime, e = p.CreateTimeWithContext(ctx)
	s.note("create_time", e)
	s.NumThreads, e = p.NumThreadsWithContext(ctx)
	s.note("num_threads", e)
	if maps, err := p.MemoryMapsWithContext(ctx, true); err == nil && maps != nil {
		s.Modules = modules(*maps)
	} else {
		s.note("modules", err)
	}

	switch typ {
	case WithDataSegments:
		s.segments(ctx, p)
	case FullMemory:
		s.segments(ctx, p)
		s.Memory, e = p.MemoryInfoWithContext(ctx)
		s.note("memory", e)
		s.handles(ctx, p)
		s.threads(ctx, p)
	case Custom:
		s.handles(ctx, p)
		s.threads(ctx, p)
	}
	if opts.IncludeHeap {
		s.Heap, e = readHeap(pid)
		s.note("heap", e)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func (s *snapshot) segments(ctx context.Context, p *process.Process) {
	maps, err := p.MemoryMapsWithContext(ctx, false)
	if err != nil || maps == nil {
		s.note("segments", err)
		return
	}
	s.Segments = *maps
}

func (s *snapshot) handles(ctx context.Context, p *process.Process) {
	var err error
	s.OpenFiles, err = p.OpenFilesWithContext(ctx)
	s.note("open_files", err)
}

func (s *snapshot) threads(ctx context.Context, p *process.Process) {
	var err error
	s.Threads, err = p.ThreadsWithContext(ctx)
	s.note("threads", err)
	s.Times, err = p.TimesWithContext(ctx)
	s.note("times", err)
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if !errors.Is(err, process.ErrorNoChildren) {
			s.note("children", err)
		}
		return
	}
	for _, c := range children {
		s.Children = append(s.Children, c.Pid)
	}
}

// modules lists the distinct mapped file paths.
func modules(maps []process.MemoryMapsStat) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range maps {
		if m.Path == "" || m.Path[0] != '/' || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		out = append(out, m.Path)
	}
	sort.Strings(out)
	return out
}
