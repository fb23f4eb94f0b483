//go:build linux

package crashdump

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const maxHeapBytes = 64 << 20

// readHeap copies the [heap] mapping of pid. It needs ptrace access to the target.
func readHeap(pid int32) ([]byte, error) {
	maps, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer func() { _ = maps.Close() }()

	var start, end uint64
	sc := bufio.NewScanner(maps)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || fields[5] != "[heap]" {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		if start, err = strconv.ParseUint(lo, 16, 64); err != nil {
			return nil, err
		}
		if end, err = strconv.ParseUint(hi, 16, 64); err != nil {
			return nil, err
		}
		break
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if end <= start {
		return nil, fmt.Errorf("no heap mapping")
	}
	size := end - start
	if size > maxHeapBytes {
		size = maxHeapBytes
	}

	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, err
	}
	defer func() { _ = mem.Close() }()
	buf := make([]byte, size)
	n, err := mem.ReadAt(buf, int64(start)) // #nosec G115 -- user space addresses fit in int64
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}
