//go:build !linux

package crashdump

import "errors"

func readHeap(int32) ([]byte, error) {
	return nil, errors.New("heap capture is not supported on this platform")
}
