//go:build !windows

package proctree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProcAttr puts the child into its own process group so the
// whole group can be signalled.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func defaultStopSignal() os.Signal { return syscall.SIGTERM }

// ParseSignal accepts "TERM", "SIGTERM" or "sigterm". Empty means SIGTERM.
func ParseSignal(name string) (os.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return defaultStopSignal(), nil
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	if s := unix.SignalNum(n); s != 0 {
		return s, nil
	}
	return nil, fmt.Errorf("unknown signal %q", name)
}

func toSyscall(sig os.Signal) syscall.Signal {
	if s, ok := sig.(syscall.Signal); ok {
		return s
	}
	return syscall.SIGTERM
}

func signalPID(pid int32, sig os.Signal) error {
	return unix.Kill(int(pid), toSyscall(sig))
}

func killPID(pid int32) error {
	return unix.Kill(int(pid), unix.SIGKILL)
}

// signalGroup signals every member of process group pgid.
func signalGroup(pgid int, sig os.Signal) error {
	if pgid <= 1 || pgid == syscall.Getpgrp() {
		return nil
	}
	return unix.Kill(-pgid, toSyscall(sig))
}

func killGroup(pgid int) error {
	return signalGroup(pgid, unix.SIGKILL)
}

// groupMembers lists live pids whose process group is pgid.
func groupMembers(pids []int32, pgid int) []int32 {
	if pgid <= 1 {
		return nil
	}
	var out []int32
	for _, p := range pids {
		if g, err := unix.Getpgid(int(p)); err == nil && g == pgid {
			out = append(out, p)
		}
	}
	return out
}

func isGone(err error) bool {
	return errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
