package proctree

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const snapshotTimeout = 5 * time.Second

func snapshotNow() (*table, error) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	return snapshot(ctx)
}

// table is one point-in-time view of the process table.
type table struct {
	pids     []int32
	children map[int32][]int32
}

func snapshot(ctx context.Context) (*table, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	t := &table{pids: make([]int32, 0, len(procs)), children: make(map[int32][]int32, len(procs))}
	for _, p := range procs {
		t.pids = append(t.pids, p.Pid)
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue // exited while we looked
		}
		t.children[ppid] = append(t.children[ppid], p.Pid)
	}
	return t, nil
}

// walk returns root followed by its descendants in breadth-first order.
func walk(children map[int32][]int32, root int32) []int32 {
	seen := map[int32]bool{root: true}
	out := []int32{root}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i]] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Tree returns rootPID and all of its descendants, parents before children.
func Tree(rootPID int32) ([]int32, error) {
	t, err := snapshotNow()
	if err != nil {
		return nil, err
	}
	return walk(t.children, rootPID), nil
}

// createTime returns the start time of pid in ms, or 0 when it is gone.
func createTime(pid int32) int64 {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	ct, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ct
}

// Alive reports whether pid is running. Zombies count as dead. When created is
// non-zero the pid must also still have that start time, so a reused pid is not
// mistaken for the original process.
func Alive(pid int32, created int64) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	if created != 0 {
		if ct, err := p.CreateTime(); err != nil || ct != created {
			return false
		}
	}
	st, err := p.Status()
	if err != nil {
		ok, _ := process.PidExists(pid)
		return ok
	}
	for _, s := range st {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
