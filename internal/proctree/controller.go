package proctree

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/svcwrap/internal/env"
	"github.com/loykin/svcwrap/internal/metrics"
)

var ErrLaunch = errors.New("proctree: launch failed")

const (
	DefaultStopGrace = 500 * time.Millisecond
	DefaultVerify    = 2 * time.Second

	killWait = 2 * time.Second
	pollStep = 25 * time.Millisecond
)

// Spec describes the process to launch.
type Spec struct {
	Name       string
	Executable string
	Args       []string
	WorkDir    string
	// Env holds declared "K=V" entries layered over the inherited environment.
	Env        []string
	StopSignal os.Signal
	StopGrace  time.Duration
	PIDFile    string
}

// Handle is one launched instance. It is invalid once Exited reports true.
type Handle struct {
	PID       int
	StartedAt time.Time

	spec  Spec
	cmd   *exec.Cmd
	pgid  int
	done  chan struct{}
	pumps sync.WaitGroup

	mu        sync.Mutex
	exited    bool
	exitCode  int
	exitErr   error
	stoppedAt time.Time
	known     map[int32]int64 // descendant pid -> create time
}

// Done is closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *Handle) Exited() bool { return !h.Running() }

// ExitCode is valid after Done. Signal deaths report 128+signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) StoppedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stoppedAt
}

// TrackDescendants records the current descendants and process group members
// with their start times, so they can still be found after the root exits and
// they get re-parented.
func (h *Handle) TrackDescendants() {
	if h.Exited() {
		return
	}
	t, err := snapshotNow()
	if err != nil {
		return
	}
	root := int32(h.PID) // #nosec G115
	pids := walk(t.children, root)[1:]
	// while the root lives it holds the group id, so every member is ours
	pids = append(pids, groupMembers(t.pids, h.pgid)...)
	fresh := make(map[int32]int64, len(pids))
	for _, p := range pids {
		if p == root {
			continue
		}
		if ct := createTime(p); ct != 0 {
			fresh[p] = ct
		}
	}
	if h.Exited() {
		// the root was reaped mid-scan; the group id may already name someone else
		return
	}
	h.mu.Lock()
	for p, ct := range fresh {
		h.known[p] = ct
	}
	h.mu.Unlock()
}

func (h *Handle) descendants() map[int32]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int32]int64, len(h.known))
	for p, ct := range h.known {
		out[p] = ct
	}
	return out
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
	} else if err != nil {
		code = -1
	}
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	RemovePIDFile(h.spec.PIDFile, h.PID)
	close(h.done)
}

// Controller launches and terminates process trees.
type Controller struct {
	log *slog.Logger
	// OnHang runs when a stop timed out, just before the tree is force-killed.
	OnHang func(h *Handle)
	// Verify bounds the final liveness check of EnsureTerminated.
	Verify time.Duration
}

func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log.With("component", "proctree"), Verify: DefaultVerify}
}

// Start launches spec with output pumped line by line into stdout and stderr.
// stdin is the null device.
func (c *Controller) Start(spec Spec, stdout, stderr io.Writer) (*Handle, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	h, err := c.start(spec, stdout, stderr)
	if err != nil {
		metrics.IncLaunchFailure(spec.Name)
		_, _ = fmt.Fprintf(stderr, "%s [svcwrap] %v\n", time.Now().Format(time.RFC3339), err)
		return nil, err
	}
	c.log.Info("process started", "service", spec.Name, "pid", h.PID, "exe", h.cmd.Path)
	return h, nil
}

func (c *Controller) start(spec Spec, stdout, stderr io.Writer) (*Handle, error) {
	exe, err := Resolve(spec.Executable, spec.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create working directory: %v", ErrLaunch, err)
		}
	}
	if spec.PIDFile != "" {
		c.reclaim(spec.Name, spec.PIDFile)
	}
	e := env.New()
	e.SetAll(spec.Env)
	merged := env.PrependPath(e.Merge(nil), filepath.Dir(exe))

	cmd := exec.Command(exe, spec.Args...) // #nosec G204 -- the executable comes from the service configuration
	cmd.Dir = spec.WorkDir
	cmd.Env = merged
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, launchError(exe, err)
	}
	// the child holds its own copies now
	_ = outW.Close()
	_ = errW.Close()

	h := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		spec:      spec,
		cmd:       cmd,
		pgid:      cmd.Process.Pid,
		done:      make(chan struct{}),
		known:     make(map[int32]int64),
	}
	h.pumps.Add(2)
	go func() { defer h.pumps.Done(); pump(outR, stdout) }()
	go func() { defer h.pumps.Done(); pump(errR, stderr) }()
	go h.wait()

	if err := WritePIDFile(spec.PIDFile, h.PID); err != nil {
		c.log.Warn("write pid file failed", "service", spec.Name, "path", spec.PIDFile, "error", err)
	}
	return h, nil
}

// reclaim kills a tree left running by a previous wrapper whose PID file is
// still present. The recorded start time must match, so a reused pid is never
// touched.
func (c *Controller) reclaim(name, path string) {
	pid, start, err := ReadPIDRecord(path)
	if err != nil {
		return
	}
	if !sameProcess(pid, start) {
		_ = os.Remove(path)
		return
	}
	members, err := Tree(int32(pid))
	if err != nil {
		members = []int32{int32(pid)}
	}
	c.log.Warn("killing process tree left by a previous run", "service", name, "pid", pid, "members", len(members))
	for i := len(members) - 1; i >= 0; i-- {
		if err := killPID(members[i]); err != nil && !isGone(err) {
			c.log.Warn("kill orphan failed", "service", name, "pid", members[i], "error", err)
		}
	}
	_ = killGroup(pid)
	_ = os.Remove(path)
}

func launchError(exe string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fmt.Errorf("%w: %s: %v (errno %d)", ErrLaunch, exe, err, int(errno))
	}
	return fmt.Errorf("%w: %s: %v", ErrLaunch, exe, err)
}

// Stop asks the tree to exit, waits the grace period and then up to timeout,
// and force-kills whatever is left. It is a no-op for an exited handle.
func (c *Controller) Stop(h *Handle, timeout time.Duration) {
	if h == nil || h.Exited() {
		return
	}
	log := c.log.With("service", h.spec.Name, "pid", h.PID)
	members := c.members(h)
	sig := h.spec.StopSignal
	if sig == nil {
		sig = defaultStopSignal()
	}
	// innermost first so children can clean up before their parents
	for i := len(members) - 1; i >= 0; i-- {
		if err := signalPID(members[i], sig); err != nil && !isGone(err) {
			log.Debug("stop signal not delivered", "target", members[i], "error", err)
		}
	}
	if err := signalGroup(h.pgid, sig); err != nil && !isGone(err) {
		log.Debug("group stop signal not delivered", "pgid", h.pgid, "error", err)
	}

	grace := h.spec.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if waitDone(h, grace) || waitDone(h, timeout) {
		log.Info("process stopped")
		return
	}

	log.Warn("process did not stop in time, killing tree", "timeout", timeout)
	if c.OnHang != nil {
		c.OnHang(h)
	}
	metrics.IncForcedKill(h.spec.Name)
	// the root is not reaped yet, so the group id is still ours
	c.kill(h, members, true)
	if !waitDone(h, killWait) {
		log.Error("process still running after kill")
	}
}

// members is the current tree of h plus anything seen earlier.
func (c *Controller) members(h *Handle) []int32 {
	pids, err := Tree(int32(h.PID)) // #nosec G115
	if err != nil {
		c.log.Warn("process tree snapshot failed", "pid", h.PID, "error", err)
		pids = []int32{int32(h.PID)} // #nosec G115
	}
	seen := make(map[int32]bool, len(pids))
	for _, p := range pids {
		seen[p] = true
	}
	for p, ct := range h.descendants() {
		if !seen[p] && Alive(p, ct) {
			pids = append(pids, p)
		}
	}
	return pids
}

// kill force-kills pids innermost first, and the process group when group is set.
func (c *Controller) kill(h *Handle, pids []int32, group bool) {
	for i := len(pids) - 1; i >= 0; i-- {
		if err := killPID(pids[i]); err != nil && !isGone(err) {
			c.log.Debug("kill failed", "target", pids[i], "error", err)
		}
	}
	if !group {
		return
	}
	if err := killGroup(h.pgid); err != nil && !isGone(err) {
		c.log.Debug("group kill failed", "pgid", h.pgid, "error", err)
	}
}

// EnsureTerminated stops h and then hunts down orphans: known descendants that
// outlived the root and members of its process group. Survivors of the final
// check are killed again and reported.
func (c *Controller) EnsureTerminated(h *Handle, timeout time.Duration) {
	if h == nil {
		return
	}
	c.Stop(h, timeout)
	log := c.log.With("service", h.spec.Name, "pid", h.PID)

	left, ownGroup := c.orphans(h)
	if len(left) > 0 {
		log.Warn("killing orphaned processes", "count", len(left))
		ids := make([]int32, 0, len(left))
		for p := range left {
			ids = append(ids, p)
		}
		c.kill(h, ids, ownGroup)
	}

	verify := c.Verify
	if verify <= 0 {
		verify = DefaultVerify
	}
	deadline := time.Now().Add(verify)
	for len(left) > 0 && time.Now().Before(deadline) {
		for p, ct := range left {
			if !Alive(p, ct) {
				delete(left, p)
			}
		}
		if len(left) > 0 {
			time.Sleep(pollStep)
		}
	}
	for p := range left {
		_ = killPID(p)
		log.Error("process survived termination", "target", p)
	}
	if !waitDone(h, killWait) {
		log.Error("supervised process was not reaped")
	}
	waitPumps(h, time.Second)
}

// orphans returns the tracked descendants that are still the same processes.
// Group members are added only while a tracked process still sits in the
// group: a live member keeps the group id from being reused, and an empty
// group may belong to someone else by now. The reaped root's pid is never walked.
func (c *Controller) orphans(h *Handle) (left map[int32]int64, ownGroup bool) {
	left = make(map[int32]int64)
	for p, ct := range h.descendants() {
		if Alive(p, ct) {
			left[p] = ct
		}
	}
	if len(left) == 0 {
		return left, false
	}
	t, err := snapshotNow()
	if err != nil {
		return left, false
	}
	members := groupMembers(t.pids, h.pgid)
	for _, p := range members {
		if _, ok := left[p]; ok {
			ownGroup = true
			break
		}
	}
	if !ownGroup {
		return left, false
	}
	for _, p := range members {
		if _, ok := left[p]; ok {
			continue
		}
		if ct := createTime(p); ct != 0 {
			left[p] = ct
		}
	}
	return left, true
}

func waitDone(h *Handle, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

func waitPumps(h *Handle, d time.Duration) {
	ch := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
	}
}
