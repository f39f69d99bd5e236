package lsp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize bounds a single message body (16MB). Anything larger is a
// protocol violation rather than a legitimate payload.
const maxFrameSize = 16 * 1024 * 1024

// WriteFrame writes one length-prefixed message to w.
// Framing follows the base protocol: a Content-Length header, a blank line,
// then exactly that many bytes of payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message from r.
// Unknown headers (Content-Type) are skipped. Returns io.EOF when the
// stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && contentLength == -1 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading frame header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// Blank line terminates the header section
			break
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", value, err)
			}
			contentLength = n
		}
		// Other headers (Content-Type) are ignored
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("frame missing Content-Length header")
	}
	if contentLength > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", contentLength)
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return payload, nil
}
