//go:build windows

package proctree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/windows"
)

// configureSysProcAttr gives the child its own console process group so a
// CTRL_BREAK can be delivered to it alone.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func defaultStopSignal() os.Signal { return syscall.SIGTERM }

// ParseSignal maps unix-style names onto the console interrupt used on Windows.
func ParseSignal(name string) (os.Signal, error) {
	switch n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG"); n {
	case "", "TERM", "BREAK", "CTRL_BREAK":
		return syscall.SIGTERM, nil
	case "INT", "CTRL_C":
		return syscall.SIGINT, nil
	case "KILL":
		return syscall.SIGKILL, nil
	}
	return nil, fmt.Errorf("unknown signal %q", name)
}

// signalPID sends a console CTRL_BREAK. It only reaches processes that lead a
// console process group; other pids report an error and are handled by the kill step.
func signalPID(pid int32, sig os.Signal) error {
	if sig == syscall.SIGKILL {
		return killPID(pid)
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

func killPID(pid int32) error {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func signalGroup(int, os.Signal) error { return nil }

func killGroup(int) error { return nil }

func groupMembers([]int32, int) []int32 { return nil }

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, windows.ERROR_INVALID_PARAMETER)
}
