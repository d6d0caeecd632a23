package http1

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// ChunkSize is the size of each read while scanning for the header terminator.
	ChunkSize = 1024
	// DefaultMaxHeaderBytes bounds the header block when Framer.MaxHeaderBytes is zero.
	DefaultMaxHeaderBytes = 64 << 10
)

var headerTerminator = []byte("\r\n\r\n")

// Frame is the byte range of one request: its header block and exactly
// ContentLength body bytes, or fewer when Truncated.
type Frame struct {
	Header        []byte
	Body          []byte
	ContentLength int
	Truncated     bool
}

// Request parses the frame's header block and attaches its body.
func (f *Frame) Request() (*Request, error) {
	req, err := ParseRequest(f.Header)
	if err != nil {
		return nil, err
	}
	req.Body = f.Body
	req.Truncated = f.Truncated
	return req, nil
}

// Framer splits a byte stream into request frames. Bytes read past the end of
// one frame's body are kept for the next ReadFrame call and never handed out
// as part of the current frame.
type Framer struct {
	r io.Reader
	// MaxHeaderBytes limits the header block. Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	pending []byte
}

// NewFramer returns a Framer reading from r.
func NewFramer(r io.Reader, maxHeaderBytes int) *Framer {
	return &Framer{r: r, MaxHeaderBytes: maxHeaderBytes}
}

// Buffered returns the bytes read from the stream but not yet framed.
func (f *Framer) Buffered() []byte {
	return f.pending
}

// ReadFrame reads one complete request. It returns ErrEmptyRequest when the
// stream ends before any byte arrives, ErrIncompleteHeader when it ends inside
// the header block, and ErrHeaderTooLarge when the header exceeds the limit.
// A body cut short by the peer is not an error: the frame is returned with
// Truncated set.
func (f *Framer) ReadFrame() (*Frame, error) {
	limit := f.MaxHeaderBytes
	if limit <= 0 {
		limit = DefaultMaxHeaderBytes
	}

	acc := f.pending
	f.pending = nil
	chunk := make([]byte, ChunkSize)
	searchFrom := 0
	for {
		if idx := bytes.Index(acc[searchFrom:], headerTerminator); idx >= 0 {
			idx += searchFrom
			if idx > limit {
				return nil, ErrHeaderTooLarge
			}
			return f.finish(acc[:idx], acc[idx+len(headerTerminator):])
		}
		if len(acc) > limit+len(headerTerminator) {
			return nil, ErrHeaderTooLarge
		}
		// The terminator may straddle two reads.
		searchFrom = max(0, len(acc)-len(headerTerminator)+1)

		n, err := f.r.Read(chunk)
		acc = append(acc, chunk[:n]...)
		if err != nil {
			if n > 0 && bytes.Contains(acc[searchFrom:], headerTerminator) {
				continue
			}
			if errors.Is(err, io.EOF) {
				if len(acc) == 0 {
					return nil, ErrEmptyRequest
				}
				return nil, ErrIncompleteHeader
			}
			return nil, fmt.Errorf("reading request header: %w", err)
		}
	}
}

func (f *Framer) finish(header, spillover []byte) (*Frame, error) {
	frame := &Frame{Header: bytes.Clone(header)}
	frame.ContentLength = contentLengthOf(header)
	cl := frame.ContentLength

	if len(spillover) >= cl {
		frame.Body = bytes.Clone(spillover[:cl])
		if rest := spillover[cl:]; len(rest) > 0 {
			f.pending = bytes.Clone(rest)
		}
		return frame, nil
	}

	var body bytes.Buffer
	body.Write(spillover)
	_, err := io.CopyN(&body, f.r, int64(cl-len(spillover)))
	frame.Body = body.Bytes()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		frame.Truncated = true
	default:
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return frame, nil
}

// contentLengthOf extracts Content-Length from a raw header block, skipping the
// request line.
func contentLengthOf(header []byte) int {
	lines := splitLines(header)
	if len(lines) < 2 {
		return 0
	}
	return parseContentLength(parseHeaderLines(lines[1:])["content-length"])
}
