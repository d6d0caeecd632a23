package http1

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time {
	return time.Date(2024, time.March, 5, 14, 7, 9, 0, time.FixedZone("CET", 3600))
}

// segReader returns its segments one Read at a time, honoring len(p).
type segReader struct {
	segs [][]byte
}

func (s *segReader) Read(p []byte) (int, error) {
	for len(s.segs) > 0 && len(s.segs[0]) == 0 {
		s.segs = s.segs[1:]
	}
	if len(s.segs) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.segs[0])
	s.segs[0] = s.segs[0][n:]
	return n, nil
}

func (s *segReader) remaining() int {
	n := 0
	for _, seg := range s.segs {
		n += len(seg)
	}
	return n
}

// splitResponse separates the wire bytes into status line, header lines and body.
func splitResponse(t *testing.T, raw []byte) (string, []string, []byte) {
	t.Helper()
	head, body, found := bytes.Cut(raw, []byte("\r\n\r\n"))
	require.True(t, found, "no header terminator in %q", raw)
	lines := strings.Split(string(head), "\r\n")
	return lines[0], lines[1:], body
}

func TestBuilder_Build(t *testing.T) {
	b := &Builder{Now: fixedNow}
	raw := b.Build(200, "OK", []byte("hello"), []HeaderField{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Extra", Value: "1"},
	})

	status, headers, body := splitResponse(t, raw)
	assert.Equal(t, "HTTP/1.0 200 OK", status)
	assert.Equal(t, []string{
		"Date: Tue, 05 Mar 2024 13:07:09 GMT",
		"Connection: close",
		"Server: httpfs/1.0",
		"Content-Length: 5",
		"Content-Type: text/plain",
		"X-Extra: 1",
	}, headers)
	assert.Equal(t, "hello", string(body))
}

func TestBuilder_DefaultReasonAndServerName(t *testing.T) {
	b := &Builder{ServerName: "custom/2", Now: fixedNow}
	status, headers, body := splitResponse(t, b.Build(http.StatusNoContent, "", nil, nil))
	assert.Equal(t, "HTTP/1.0 204 No Content", status)
	assert.Contains(t, headers, "Server: custom/2")
	assert.Contains(t, headers, "Content-Length: 0")
	assert.Empty(t, body)
}

func TestBuilder_ContentLengthMatchesBody(t *testing.T) {
	var b Builder
	bodies := [][]byte{nil, []byte(""), []byte("x"), []byte("héllo wörld"), bytes.Repeat([]byte{0, 1, 2}, 5000)}
	for _, body := range bodies {
		_, headers, got := splitResponse(t, b.Encode(NewResponse(200, body)))
		assert.Contains(t, headers, "Content-Length: "+strconv.Itoa(len(body)))
		assert.Equal(t, len(body), len(got))
	}
}

func TestErrorResponse(t *testing.T) {
	r := ErrorResponse(http.StatusMethodNotAllowed, "")
	assert.Equal(t, 405, r.Status)
	assert.Equal(t, "Method Not Allowed", r.Reason)
	ct, ok := r.Header("Content-Type")
	require.True(t, ok)
	assert.Equal(t, "text/plain", ct)
	assert.NotEmpty(t, r.Body)

	r = ErrorResponse(http.StatusInternalServerError, "disk full")
	assert.Equal(t, "disk full\n", string(r.Body))

	r = ErrorResponse(http.StatusTeapot, "")
	assert.Equal(t, "I'm a teapot\n", string(r.Body))
}

func TestStatusForError(t *testing.T) {
	_, ok := StatusForError(ErrEmptyRequest)
	assert.False(t, ok)

	for _, err := range []error{ErrIncompleteHeader, ErrHeaderTooLarge, ErrMalformedRequestLine} {
		status, ok := StatusForError(err)
		assert.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, status, err.Error())
	}

	status, ok := StatusForError(errors.New("boom"))
	assert.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte("get /a/b.txt HTTP/1.0\r\nHost: x\r\nX-Dup: 1\r\nx-dup: 2\r\nno colon here\r\nX-Url:  http://h:1/  "))
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a/b.txt", req.Path)
	assert.Equal(t, "HTTP/1.0", req.Version)
	assert.Equal(t, map[string]string{
		"host":  "x",
		"x-dup": "2",
		"x-url": "http://h:1/",
	}, req.Headers)
	assert.Equal(t, "x", req.Header("HOST"))
}

func TestParseRequest_TwoTokensAndBareNewlines(t *testing.T) {
	req, err := ParseRequest([]byte("DELETE /f\nContent-Length: 3"))
	require.NoError(t, err)
	assert.Equal(t, "DELETE", req.Method)
	assert.Equal(t, "/f", req.Path)
	assert.Empty(t, req.Version)
	assert.Equal(t, 3, req.ContentLength())
}

func TestParseRequest_Malformed(t *testing.T) {
	for _, in := range []string{"", "GARBAGE", "   ", "\r\nGET / HTTP/1.0"} {
		_, err := ParseRequest([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedRequestLine, "input %q", in)
	}
}

func TestIsSupportedMethod(t *testing.T) {
	for _, m := range []string{"GET", "POST", "DELETE"} {
		assert.True(t, IsSupportedMethod(m))
	}
	for _, m := range []string{"PATCH", "PUT", "HEAD", "get", ""} {
		assert.False(t, IsSupportedMethod(m))
	}
}

func TestContentLengthParsing(t *testing.T) {
	cases := map[string]int{"": 0, "12": 12, " 7 ": 7, "-4": 0, "abc": 0, "1e3": 0}
	for in, want := range cases {
		assert.Equal(t, want, parseContentLength(in), "input %q", in)
	}
}

func TestFramer_SimpleGET(t *testing.T) {
	f := NewFramer(strings.NewReader("GET / HTTP/1.0\r\nHost: a\r\n\r\n"), 0)
	frame, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: a", string(frame.Header))
	assert.Empty(t, frame.Body)
	assert.False(t, frame.Truncated)

	req, err := frame.Request()
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
}

func TestFramer_TerminatorAcrossReads(t *testing.T) {
	raw := "POST /upload/x HTTP/1.0\r\nContent-Length: 4\r\n\r\nabcd"
	f := NewFramer(iotest.OneByteReader(strings.NewReader(raw)), 0)
	frame, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(frame.Body))
	assert.Equal(t, 4, frame.ContentLength)
}

func TestFramer_BodyAfterHeaderChunk(t *testing.T) {
	header := "POST /upload/big HTTP/1.0\r\nContent-Length: 3000\r\n\r\n"
	body := bytes.Repeat([]byte("z"), 3000)
	r := &segReader{segs: [][]byte{
		append([]byte(header), body[:100]...),
		body[100:2000],
		append(append([]byte{}, body[2000:]...), []byte("NEXT REQUEST")...),
	}}

	f := NewFramer(r, 0)
	frame, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, body, frame.Body)
	assert.False(t, frame.Truncated)
	assert.Equal(t, len("NEXT REQUEST"), r.remaining(), "framer must not read past the body")
	assert.Empty(t, f.Buffered())
}

func TestFramer_SpilloverBeyondBodyIsRetained(t *testing.T) {
	raw := "POST /upload/a HTTP/1.0\r\nContent-Length: 2\r\n\r\nhiGET /b HTTP/1.0\r\n\r\n"
	f := NewFramer(strings.NewReader(raw), 0)

	first, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(first.Body))
	assert.Equal(t, "GET /b HTTP/1.0\r\n\r\n", string(f.Buffered()))

	second, err := f.ReadFrame()
	require.NoError(t, err)
	req, err := second.Request()
	require.NoError(t, err)
	assert.Equal(t, "/b", req.Path)
	assert.Empty(t, second.Body)

	_, err = f.ReadFrame()
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestFramer_TruncatedBody(t *testing.T) {
	raw := "POST /upload/a HTTP/1.0\r\nContent-Length: 10\r\n\r\nabc"
	frame, err := NewFramer(strings.NewReader(raw), 0).ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Truncated)
	assert.Equal(t, "abc", string(frame.Body))
	assert.Equal(t, 10, frame.ContentLength)

	req, err := frame.Request()
	require.NoError(t, err)
	assert.True(t, req.Truncated)
}

func TestFramer_InvalidContentLengthMeansNoBody(t *testing.T) {
	raw := "POST /upload/a HTTP/1.0\r\nContent-Length: lots\r\n\r\nignored"
	f := NewFramer(strings.NewReader(raw), 0)
	frame, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, frame.Body)
	assert.Equal(t, "ignored", string(f.Buffered()))
}

func TestFramer_Failures(t *testing.T) {
	_, err := NewFramer(strings.NewReader(""), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = NewFramer(strings.NewReader("GET / HTTP/1.0\r\nHost: a\r\n"), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrIncompleteHeader)

	long := "GET / HTTP/1.0\r\nX: " + strings.Repeat("a", 300) + "\r\n\r\n"
	_, err = NewFramer(strings.NewReader(long), 128).ReadFrame()
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	endless := io.MultiReader(strings.NewReader("GET / HTTP/1.0\r\n"), neverEnding('a'))
	_, err = NewFramer(endless, 4096).ReadFrame()
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	boom := errors.New("reset")
	_, err = NewFramer(iotest.ErrReader(boom), 0).ReadFrame()
	assert.ErrorIs(t, err, boom)
}

func TestFramer_DataAndEOFInOneRead(t *testing.T) {
	raw := "GET /x HTTP/1.0\r\n\r\n"
	frame, err := NewFramer(iotest.DataErrReader(strings.NewReader(raw)), 0).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "GET /x HTTP/1.0", string(frame.Header))
}

type neverEnding byte

func (b neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}
