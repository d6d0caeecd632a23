// Package testutil holds a minimal HTTP/1.0 client that speaks raw bytes on a
// TCP connection, so tests can send malformed or partial requests.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a whole exchange.
const DefaultTimeout = 10 * time.Second

// Response is a parsed HTTP/1.0 response.
type Response struct {
	Status int
	Reason string
	// Headers holds header values keyed by lowercase name.
	Headers map[string]string
	Body    []byte
	Raw     []byte
}

// Header returns the value of the named header.
func (r *Response) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// BuildRequest returns the bytes of a request with a Content-Length header
// when body is non-empty.
func BuildRequest(method, path string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.0\r\n", method, path)
	b.WriteString("Host: localhost\r\n")
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// Do sends a request built from method, path and body and parses the reply.
func Do(addr, method, path string, body []byte) (*Response, error) {
	raw, err := Exchange(addr, BuildRequest(method, path, body), false)
	if err != nil {
		return nil, err
	}
	return ParseResponse(raw)
}

// Exchange writes raw to addr and reads until the server closes the
// connection. With closeWrite the client half-closes after writing, which is
// how a short body or an empty request is signalled.
func Exchange(addr string, raw []byte, closeWrite bool) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(DefaultTimeout))

	if len(raw) > 0 {
		if _, err := conn.Write(raw); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	}
	if closeWrite {
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.CloseWrite(); err != nil {
				return nil, err
			}
		}
	}
	return io.ReadAll(conn)
}

// ParseResponse splits raw into status line, headers and body. The body must
// match Content-Length when that header is present.
func ParseResponse(raw []byte) (*Response, error) {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, fmt.Errorf("no header terminator in %q", raw)
	}
	lines := strings.Split(string(raw[:idx]), "\r\n")
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("bad status line %q", lines[0])
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad status code in %q", lines[0])
	}
	resp := &Response{Status: status, Headers: make(map[string]string), Raw: raw}
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("bad header line %q", line)
		}
		resp.Headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	resp.Body = raw[idx+4:]
	if cl, ok := resp.Headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n != len(resp.Body) {
			return nil, fmt.Errorf("content-length %q does not match body of %d bytes", cl, len(resp.Body))
		}
	}
	return resp, nil
}

// WaitForListener dials addr until it accepts or timeout passes.
func WaitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not accepting after %s: %w", addr, timeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
