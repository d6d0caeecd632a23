package http1

import (
	"errors"
	"net/http"
)

var (
	// ErrEmptyRequest means the peer closed the connection without sending anything.
	// No response is written.
	ErrEmptyRequest = errors.New("connection closed before any request bytes")
	// ErrIncompleteHeader means the peer closed the connection before the blank line
	// ending the header block.
	ErrIncompleteHeader = errors.New("connection closed before end of request header")
	// ErrHeaderTooLarge means no header terminator was found within the configured limit.
	ErrHeaderTooLarge = errors.New("request header too large")
	// ErrMalformedRequestLine means the request line has fewer than two tokens.
	ErrMalformedRequestLine = errors.New("malformed request line")
)

// defaultMessages maps status codes to the short plain-text body sent when a
// handler gives no detail of its own.
var defaultMessages = map[int]string{
	http.StatusBadRequest:          "The server cannot process the request due to a client error.",
	http.StatusForbidden:           "You do not have permission to access this resource.",
	http.StatusNotFound:            "The requested resource was not found on this server.",
	http.StatusMethodNotAllowed:    "The request method is not supported. Use GET, POST or DELETE.",
	http.StatusInternalServerError: "The server encountered an internal error and was unable to complete your request.",
}

// ErrorResponse returns a text/plain error response. An empty detail selects the
// default message for status.
func ErrorResponse(status int, detail string) *Response {
	msg := detail
	if msg == "" {
		msg = defaultMessages[status]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return TextResponse(status, msg+"\n")
}

// StatusForError maps framing and parsing errors to the status sent to the client.
// ok is false for errors that get no response at all.
func StatusForError(err error) (status int, ok bool) {
	switch {
	case errors.Is(err, ErrEmptyRequest):
		return 0, false
	case errors.Is(err, ErrIncompleteHeader),
		errors.Is(err, ErrHeaderTooLarge),
		errors.Is(err, ErrMalformedRequestLine):
		return http.StatusBadRequest, true
	default:
		return http.StatusInternalServerError, true
	}
}
