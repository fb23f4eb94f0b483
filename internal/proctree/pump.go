package proctree

import (
	"bufio"
	"errors"
	"io"
	"os"
)

const pumpBuffer = 64 << 10

// pump copies r into w a line at a time. Lines longer than the buffer are
// forwarded in buffer sized pieces.
func pump(r *os.File, w io.Writer) {
	defer func() { _ = r.Close() }()
	br := bufio.NewReaderSize(r, pumpBuffer)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			_, _ = w.Write(line)
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return
		}
	}
}
