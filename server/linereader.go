package server

import (
	"bufio"
	"fmt"
	"io"

	"github.com/kitemail/kite/consts"
)

// DefaultMaxLineLength caps protocol command lines. Exceeding it is a
// protocol error, never a silent truncation.
const DefaultMaxLineLength = 8192

// LineReader reads LF-terminated lines from a byte stream with a hard
// length cap. The cap is enforced incrementally while reading, so a peer
// cannot exhaust memory by sending an arbitrarily long line before any
// terminator. Cancellation rides the underlying connection: closing it
// or hitting a read deadline makes ReadLine return the transport error,
// and the reader retains no partial buffers afterwards.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r with a line cap of max bytes (line content,
// terminator excluded). A non-positive max selects DefaultMaxLineLength.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	bufSize := max
	if bufSize > 4096 {
		bufSize = 4096
	}
	return &LineReader{r: bufio.NewReaderSize(r, bufSize), max: max}
}

// ReadLine returns the next line with the trailing LF and any
// immediately preceding CR stripped. It returns io.EOF when the stream
// ends before any byte of a new line, io.ErrUnexpectedEOF when it ends
// mid-line, and consts.ErrLineTooLong the moment the accumulated length
// would exceed the cap.
func (lr *LineReader) ReadLine() (string, error) {
	buf := make([]byte, 0, 64)
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			if len(buf) > lr.max {
				return "", fmt.Errorf("%w (max %d)", consts.ErrLineTooLong, lr.max)
			}
			return string(buf), nil
		}
		buf = append(buf, b)
		// One byte of grace for a CR that an immediately following LF
		// would strip; anything else past the cap fails right away.
		if len(buf) > lr.max && (b != '\r' || len(buf) > lr.max+1) {
			return "", fmt.Errorf("%w (max %d)", consts.ErrLineTooLong, lr.max)
		}
	}
}
