package proctree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var errNotFound = errors.New("executable not found")

// Resolve finds the executable to launch. Absolute paths are used as-is;
// relative names are tried against workDir first and then PATH.
func Resolve(name, workDir string) (string, error) {
	if name == "" {
		return "", errNotFound
	}
	if filepath.IsAbs(name) {
		if p, ok := probe(name); ok {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", errNotFound, name)
	}
	if workDir != "" {
		if p, ok := probe(filepath.Join(workDir, name)); ok {
			return p, nil
		}
	}
	if strings.ContainsAny(name, `/\`) {
		// an explicit relative path is not searched on PATH
		if abs, err := filepath.Abs(name); err == nil {
			if p, ok := probe(abs); ok {
				return p, nil
			}
		}
		return "", fmt.Errorf("%w: %s", errNotFound, name)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errNotFound, name, err)
	}
	return filepath.Abs(p)
}

// probe checks path and, on Windows, path with each executable suffix.
func probe(path string) (string, bool) {
	for _, c := range candidates(path) {
		fi, err := os.Stat(c)
		if err != nil || fi.IsDir() {
			continue
		}
		if runtime.GOOS != "windows" && fi.Mode().Perm()&0o111 == 0 {
			continue
		}
		return c, true
	}
	return "", false
}

func candidates(path string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(path) != "" {
		return []string{path}
	}
	exts := []string{".com", ".exe", ".bat", ".cmd"}
	if pe := os.Getenv("PATHEXT"); pe != "" {
		exts = strings.Split(strings.ToLower(pe), ";")
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		if e != "" {
			out = append(out, path+e)
		}
	}
	return out
}
