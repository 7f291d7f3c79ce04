package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxFrameSize bounds a single response read from a tool server.
const DefaultMaxFrameSize = 8 << 20

// Framing errors.
var (
	ErrMissingLength = errors.New("frame: missing Content-Length header")
	ErrInvalidLength = errors.New("frame: invalid Content-Length header")
	ErrFrameTooLarge = errors.New("frame: payload exceeds maximum size")
)

// WriteFrame writes payload preceded by a Content-Length header, the same
// framing MCP and LSP servers use on stdio.
func WriteFrame(w io.Writer, payload []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	// One write so a concurrent reader never sees a header without its body.
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed payload. Blank lines before the header block
// are skipped and unknown headers are ignored. A clean EOF before any
// header byte returns io.EOF.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	length := -1
	sawHeader := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawHeader && strings.TrimSpace(line) == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLength, value)
		}
		length = n
	}

	if length < 0 {
		return nil, ErrMissingLength
	}
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
