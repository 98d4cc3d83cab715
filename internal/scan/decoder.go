package scan

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// LineDecoder reads newline-terminated tokens from a stream. USB badge
// scanners and keyboard-wedge QR readers present as exactly this, and it is
// the capture device for the terminal agent.
type LineDecoder struct {
	lines chan string
	err   error // set before lines is closed
}

var _ Decoder = (*LineDecoder)(nil)

// NewLineDecoder starts reading from r immediately. The reader goroutine
// exits when r reaches EOF or fails.
func NewLineDecoder(r io.Reader) *LineDecoder {
	d := &LineDecoder{lines: make(chan string)}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			d.lines <- line
		}
		d.err = scanner.Err()
		close(d.lines)
	}()
	return d
}

// Decode implements Decoder. It returns the next non-empty line, or io.EOF
// once the stream ends.
func (d *LineDecoder) Decode(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-d.lines:
		if !ok {
			if d.err != nil {
				return "", d.err
			}
			return "", io.EOF
		}
		return line, nil
	}
}
