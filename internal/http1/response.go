package http1

import (
	"bytes"
	"net/http"
	"strconv"
	"time"
)

const (
	// Version is the protocol version written in every status line.
	Version = "HTTP/1.0"
	// DefaultServerName is sent in the Server header when Builder.ServerName is empty.
	DefaultServerName = "httpfs/1.0"

	// dateFormat is RFC 1123 with a literal GMT zone; times are converted to UTC first.
	dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// HeaderField is a single response header. Order is preserved on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Response is a status, extra headers and body. Date, Connection, Server and
// Content-Length are never stored here; the Builder computes them on encode.
type Response struct {
	Status  int
	Reason  string
	Headers []HeaderField
	Body    []byte
}

// NewResponse returns a response with the standard reason phrase for status.
func NewResponse(status int, body []byte, headers ...HeaderField) *Response {
	return &Response{Status: status, Reason: http.StatusText(status), Headers: headers, Body: body}
}

// TextResponse returns a text/plain response with body encoded as UTF-8.
func TextResponse(status int, body string) *Response {
	return NewResponse(status, []byte(body), HeaderField{Name: "Content-Type", Value: "text/plain"})
}

// Header returns the value of the first extra header matching name exactly.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Builder serializes responses into HTTP/1.0 wire bytes.
// The zero value is ready to use.
type Builder struct {
	// ServerName is the Server header value. Empty means DefaultServerName.
	ServerName string
	// Now returns the time used for the Date header. Nil means time.Now.
	Now func() time.Time
}

// Build formats one response. Header values must not contain CR or LF.
func (b *Builder) Build(status int, reason string, body []byte, extraHeaders []HeaderField) []byte {
	if reason == "" {
		reason = http.StatusText(status)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	server := b.ServerName
	if server == "" {
		server = DefaultServerName
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(body))
	buf.WriteString(Version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\n")

	writeHeader(&buf, "Date", now().UTC().Format(dateFormat))
	writeHeader(&buf, "Connection", "close")
	writeHeader(&buf, "Server", server)
	writeHeader(&buf, "Content-Length", strconv.Itoa(len(body)))
	for _, h := range extraHeaders {
		writeHeader(&buf, h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// Encode formats r.
func (b *Builder) Encode(r *Response) []byte {
	return b.Build(r.Status, r.Reason, r.Body, r.Headers)
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
