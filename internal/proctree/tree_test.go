package proctree

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWalkBreadthFirstAndDedup(t *testing.T) {
	children := map[int32][]int32{
		1:  {10, 11},
		10: {20, 21},
		11: {22},
		21: {1, 10}, // bogus links must not loop
		99: {100},
	}
	got := walk(children, 1)
	want := []int32{1, 10, 11, 20, 21, 22}
	if len(got) != len(want) {
		t.Fatalf("walk = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk = %v, want %v", got, want)
		}
	}
}

func TestWalkLeaf(t *testing.T) {
	got := walk(nil, 7)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("walk = %v", got)
	}
}

func TestTreeIncludesSelf(t *testing.T) {
	pids, err := Tree(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(pids) == 0 || pids[0] != int32(os.Getpid()) {
		t.Fatalf("unexpected tree %v", pids)
	}
}

func TestAliveSelfAndCreateTime(t *testing.T) {
	me := int32(os.Getpid())
	if !Alive(me, 0) {
		t.Fatal("current process reported dead")
	}
	ct := createTime(me)
	if ct == 0 {
		t.Skip("create time unavailable")
	}
	if !Alive(me, ct) {
		t.Fatal("create time mismatch for current process")
	}
	if Alive(me, ct+12345) {
		t.Fatal("a different create time must not count as the same process")
	}
}

func TestPIDFileRoundTripAndGuardedRemove(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run", "svc.pid")
	if err := WritePIDFile(p, 4242); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPIDFile(p)
	if err != nil || pid != 4242 {
		t.Fatalf("read pid = %d, %v", pid, err)
	}
	RemovePIDFile(p, 1)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("pid file for another pid must stay: %v", err)
	}
	RemovePIDFile(p, 4242)
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}
