//go:build !linux

package proctree

// procStart returns the start time of pid in Unix seconds, or 0 when unknown.
func procStart(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	return createTime(int32(pid)) / 1000
}
