package relay

import (
	"bufio"

	rerr "stratumrelay/internal/errors"
)

// lineReader yields newline-terminated lines from a bufio.Reader,
// joining lines longer than the reader's buffer into scratch.  A line
// longer than max fails with ErrLineTooLong.
type lineReader struct {
	br      *bufio.Reader
	max     int
	scratch []byte
}

// next returns the next line including its terminator.  The returned
// slice is valid only until the following call.  At end of stream the
// final unterminated fragment, if any, is returned together with the
// read error.
func (r *lineReader) next() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err != bufio.ErrBufferFull {
		if r.max > 0 && len(line) > r.max {
			return nil, rerr.ErrLineTooLong
		}
		return line, err
	}

	r.scratch = append(r.scratch[:0], line...)
	for err == bufio.ErrBufferFull {
		if r.max > 0 && len(r.scratch) > r.max {
			return nil, rerr.ErrLineTooLong
		}
		line, err = r.br.ReadSlice('\n')
		r.scratch = append(r.scratch, line...)
	}
	if r.max > 0 && len(r.scratch) > r.max {
		return nil, rerr.ErrLineTooLong
	}
	return r.scratch, err
}
