package crashdump

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// Init routes the wrapper's own fatal crash output (unrecovered panics, runtime
// faults) to a file in dir. Call once at startup and run the returned teardown
// on normal exit; an unused crash file is removed by teardown.
func Init(dir, service string) (teardown func(), err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("crashdump: create dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d_wrapper_%s.crash", service, os.Getpid(), time.Now().Format("20060102T150405"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return nil, err
	}
	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("crashdump: set crash output: %w", err)
	}
	return func() {
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
		_ = f.Close()
		if fi, err := os.Stat(path); err == nil && fi.Size() == 0 {
			_ = os.Remove(path)
		}
	}, nil
}
