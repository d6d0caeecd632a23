package http1

import (
	"strconv"
	"strings"
)

// Request is one parsed HTTP/1.0 request.
type Request struct {
	Method  string
	Path    string
	Version string
	// Headers maps lowercased names to trimmed values; the last duplicate wins.
	Headers map[string]string
	Body    []byte
	// Truncated is set when the peer closed the connection before sending
	// Content-Length body bytes. Body then holds what was received.
	Truncated bool
	// RemoteAddr is filled in by the connection pipeline.
	RemoteAddr string
}

// ParseRequest parses a header block (request line plus header lines, without
// the terminating blank line). The body is not touched.
func ParseRequest(header []byte) (*Request, error) {
	lines := splitLines(header)
	if len(lines) == 0 {
		return nil, ErrMalformedRequestLine
	}

	tokens := strings.Fields(lines[0])
	if len(tokens) < 2 {
		return nil, ErrMalformedRequestLine
	}
	req := &Request{
		Method:  strings.ToUpper(tokens[0]),
		Path:    tokens[1],
		Headers: parseHeaderLines(lines[1:]),
	}
	if len(tokens) > 2 {
		req.Version = tokens[2]
	}
	return req, nil
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// ContentLength returns the declared body length. Absent, non-numeric and
// negative values count as zero.
func (r *Request) ContentLength() int {
	return parseContentLength(r.Headers["content-length"])
}

// IsSupportedMethod reports whether method is one this server implements.
func IsSupportedMethod(method string) bool {
	switch method {
	case "GET", "POST", "DELETE":
		return true
	}
	return false
}

func splitLines(header []byte) []string {
	if len(header) == 0 {
		return nil
	}
	lines := strings.Split(string(header), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// parseHeaderLines splits each line on its first colon. Lines without a colon
// and lines with an empty name are skipped.
func parseHeaderLines(lines []string) map[string]string {
	headers := make(map[string]string, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}

func parseContentLength(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
