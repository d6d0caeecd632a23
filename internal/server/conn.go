package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/metrics"
)

const (
	// lingerTimeout bounds how long a closing connection waits for the peer
	// to finish sending, so unread bytes do not turn the close into a reset
	// that destroys the response in flight.
	lingerTimeout = 500 * time.Millisecond
	lingerMaxDrain = 256 << 10
)

// ConnHandler runs one connection through frame, parse, route, encode,
// write and close. It is safe for concurrent use.
type ConnHandler struct {
	router         RouterInterface
	builder        *http1.Builder
	log            *logger.Logger
	metrics        metrics.ServerMetrics
	maxHeaderBytes int
}

// NewConnHandler returns a pipeline dispatching parsed requests to router.
// A nil m disables metrics.
func NewConnHandler(router RouterInterface, lg *logger.Logger, m metrics.ServerMetrics, maxHeaderBytes int) *ConnHandler {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &ConnHandler{
		router:         router,
		builder:        &http1.Builder{},
		log:            lg,
		metrics:        m,
		maxHeaderBytes: maxHeaderBytes,
	}
}

// Serve handles exactly one request on conn and closes it. No error or panic
// escapes; failures are logged and, where possible, answered with an error
// response.
func (h *ConnHandler) Serve(conn net.Conn) {
	start := time.Now()
	reqID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	h.metrics.RecordConnectionAccepted()

	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("Panic while handling connection", logger.LogFields{
				"request_id": reqID,
				"remote":     remote,
				"panic":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
			})
		}
		closeConn(conn)
		h.metrics.RecordConnectionClosed()
	}()

	req, resp := h.process(conn, reqID, remote)
	if resp == nil {
		return
	}

	wire := h.builder.Encode(resp)
	if _, err := conn.Write(wire); err != nil {
		h.log.Debug("Failed to write response", logger.LogFields{
			"request_id": reqID,
			"remote":     remote,
			"error":      err.Error(),
		})
	}

	entry := logger.AccessEntry{
		RequestID:  reqID,
		RemoteAddr: remote,
		Method:     "-",
		Path:       "-",
		Status:     resp.Status,
		Bytes:      int64(len(resp.Body)),
		Duration:   time.Since(start),
	}
	if req != nil {
		entry.Method, entry.Path, entry.Protocol = req.Method, req.Path, req.Version
	}
	h.log.Access(entry)
	h.metrics.RecordRequest(entry.Method, resp.Status, entry.Duration, entry.Bytes)
}

// process frames, parses and routes one request. A nil response means the
// connection is closed without answering.
func (h *ConnHandler) process(conn net.Conn, reqID, remote string) (*http1.Request, *http1.Response) {
	framer := http1.NewFramer(conn, h.maxHeaderBytes)
	frame, err := framer.ReadFrame()
	if err != nil {
		h.metrics.RecordFramingError(framingReason(err))
		status, respond := http1.StatusForError(err)
		fields := logger.LogFields{"request_id": reqID, "remote": remote, "error": err.Error()}
		if !respond {
			h.log.Debug("Connection closed without a request", fields)
			return nil, nil
		}
		h.log.Warn("Failed to read request", fields)
		return nil, http1.ErrorResponse(status, "")
	}

	req, err := frame.Request()
	if err != nil {
		h.metrics.RecordFramingError(framingReason(err))
		h.log.Warn("Failed to parse request", logger.LogFields{
			"request_id": reqID,
			"remote":     remote,
			"error":      err.Error(),
		})
		return nil, http1.ErrorResponse(http.StatusBadRequest, "Malformed request line.")
	}
	req.RemoteAddr = remote

	if !http1.IsSupportedMethod(req.Method) {
		return req, http1.ErrorResponse(http.StatusMethodNotAllowed, "")
	}

	resp := h.router.Route(req)
	if resp == nil {
		h.log.Error("Handler returned no response", logger.LogFields{
			"request_id": reqID,
			"method":     req.Method,
			"path":       req.Path,
		})
		resp = http1.ErrorResponse(http.StatusInternalServerError, "")
	}
	return req, resp
}

func framingReason(err error) string {
	switch {
	case errors.Is(err, http1.ErrEmptyRequest):
		return "empty"
	case errors.Is(err, http1.ErrIncompleteHeader):
		return "incomplete_header"
	case errors.Is(err, http1.ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, http1.ErrMalformedRequestLine):
		return "malformed_request_line"
	default:
		return "read_error"
	}
}

// closeConn half-closes TCP connections and drains what the peer still
// sends before the final close.
func closeConn(conn net.Conn) {
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := tc.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.CopyN(io.Discard, conn, lingerMaxDrain)
		}
	}
	_ = conn.Close()
}
