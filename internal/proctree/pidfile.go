package proctree

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// A PID file holds the pid on its first line and, when known, the process
// start time in Unix seconds on the second. Single-line files are accepted.

// WritePIDFile records pid in path, creating parent directories.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n"
	if st := procStart(pid); st > 0 {
		content += strconv.FormatInt(st, 10) + "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	pid, _, err := ReadPIDRecord(path)
	return pid, err
}

// ReadPIDRecord returns the pid and recorded start time (0 when absent).
func ReadPIDRecord(path string) (pid int, start int64, err error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, 0, err
	}
	first, rest, _ := strings.Cut(string(b), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, err
	}
	second, _, _ := strings.Cut(rest, "\n")
	if s := strings.TrimSpace(second); s != "" {
		start, _ = strconv.ParseInt(s, 10, 64)
	}
	return pid, start, nil
}

// RemovePIDFile removes path if it still names pid.
func RemovePIDFile(path string, pid int) {
	if path == "" {
		return
	}
	if cur, err := ReadPIDFile(path); err == nil && cur != pid {
		return
	}
	_ = os.Remove(path)
}

// sameProcess reports whether pid is still the process that started at start.
func sameProcess(pid int, start int64) bool {
	return start > 0 && procStart(pid) == start
}
