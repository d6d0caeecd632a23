package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
	"example.com/httpfs/internal/server"
)

// UploadPrefix is the path prefix POST requests must use.
const UploadPrefix = "/upload/"

// FileServer implements GET, POST and DELETE against files under a document root.
type FileServer struct {
	fs       afero.Fs
	resolver *Resolver
	mime     *MimeTypeResolver
	listing  bool
	log      *logger.Logger
}

// New creates a FileServer rooted at files.DocumentRoot on fsys.
func New(fsys afero.Fs, files *config.FilesConfig, lg *logger.Logger) (*FileServer, error) {
	if files == nil {
		return nil, errors.New("fileserver: files configuration cannot be nil")
	}
	resolver, err := NewResolver(files.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("fileserver: %w", err)
	}
	mimePath := ""
	if files.MimeTypesPath != nil {
		mimePath = *files.MimeTypesPath
	}
	mime, err := NewMimeTypeResolver(fsys, files.MimeTypes, mimePath)
	if err != nil {
		return nil, fmt.Errorf("fileserver: %w", err)
	}
	return &FileServer{
		fs:       fsys,
		resolver: resolver,
		mime:     mime,
		listing:  files.ListingEnabled(),
		log:      lg,
	}, nil
}

// Factory returns a server.HandlerFactory producing FileServers that share fsys and files.
func Factory(fsys afero.Fs, files *config.FilesConfig) server.HandlerFactory {
	return func(route config.Route, lg *logger.Logger) (server.Handler, error) {
		return New(fsys, files, lg)
	}
}

// Handle dispatches on the request method.
func (s *FileServer) Handle(req *http1.Request) *http1.Response {
	switch req.Method {
	case "GET":
		if strings.HasSuffix(req.Path, "/") {
			return s.list(req)
		}
		return s.get(req)
	case "POST":
		return s.upload(req)
	case "DELETE":
		return s.delete(req)
	default:
		return http1.ErrorResponse(http.StatusMethodNotAllowed, "")
	}
}

func (s *FileServer) list(req *http1.Request) *http1.Response {
	if !s.listing {
		return http1.ErrorResponse(http.StatusForbidden, "Directory listing is disabled.")
	}
	p, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return s.forbidden(req, err)
	}

	fi, err := s.fs.Stat(p.String())
	if err != nil {
		return s.statError(req, p, err)
	}
	if !fi.IsDir() {
		return http1.ErrorResponse(http.StatusNotFound, "")
	}

	entries, err := afero.ReadDir(s.fs, p.String())
	if err != nil {
		return s.ioError(req, "read directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var body strings.Builder
	for _, n := range names {
		body.WriteString(n)
		body.WriteByte('\n')
	}
	return http1.TextResponse(http.StatusOK, body.String())
}

func (s *FileServer) get(req *http1.Request) *http1.Response {
	p, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return s.forbidden(req, err)
	}
	fi, err := s.fs.Stat(p.String())
	if err != nil {
		return s.statError(req, p, err)
	}
	if !fi.Mode().IsRegular() {
		return http1.ErrorResponse(http.StatusNotFound, "")
	}

	data, err := afero.ReadFile(s.fs, p.String())
	if err != nil {
		return s.ioError(req, "read file", err)
	}
	return http1.NewResponse(http.StatusOK, data, http1.HeaderField{
		Name:  "Content-Type",
		Value: s.mime.GetMimeType(p.String()),
	})
}

func (s *FileServer) upload(req *http1.Request) *http1.Response {
	if !strings.HasPrefix(req.Path, UploadPrefix) {
		return http1.ErrorResponse(http.StatusBadRequest,
			fmt.Sprintf("Uploads must use a path starting with %s, e.g. POST %sname.txt", UploadPrefix, UploadPrefix))
	}
	name := strings.TrimPrefix(req.Path, UploadPrefix)
	if name == "" || strings.HasSuffix(name, "/") {
		return http1.ErrorResponse(http.StatusBadRequest, "Upload path must name a file.")
	}

	p, err := s.resolver.Resolve(name)
	if err != nil {
		return s.forbidden(req, err)
	}
	if p.String() == s.resolver.Base() {
		return http1.ErrorResponse(http.StatusBadRequest, "Upload path must name a file.")
	}
	if req.Truncated {
		s.log.Warn("Request body truncated by client; storing the bytes received", logger.LogFields{
			"path":     req.Path,
			"received": len(req.Body),
			"declared": req.ContentLength(),
		})
	}

	if err := s.fs.MkdirAll(filepath.Dir(p.String()), 0o755); err != nil {
		return s.ioError(req, "create directory", err)
	}
	if err := afero.WriteFile(s.fs, p.String(), req.Body, 0o644); err != nil {
		return s.ioError(req, "write file", err)
	}
	return http1.TextResponse(http.StatusCreated, fmt.Sprintf("File '%s' uploaded\n", name))
}

func (s *FileServer) delete(req *http1.Request) *http1.Response {
	p, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return s.forbidden(req, err)
	}
	fi, err := s.fs.Stat(p.String())
	if err != nil {
		return s.statError(req, p, err)
	}
	if !fi.Mode().IsRegular() {
		return http1.ErrorResponse(http.StatusNotFound, "")
	}
	if err := s.fs.Remove(p.String()); err != nil {
		return s.ioError(req, "delete file", err)
	}
	return http1.NewResponse(http.StatusNoContent, nil)
}

func (s *FileServer) forbidden(req *http1.Request, err error) *http1.Response {
	s.log.Warn("Rejected path outside document root", logger.LogFields{
		"method": req.Method,
		"path":   req.Path,
		"remote": req.RemoteAddr,
		"error":  err.Error(),
	})
	return http1.ErrorResponse(http.StatusForbidden, "")
}

func (s *FileServer) statError(req *http1.Request, p SandboxedPath, err error) *http1.Response {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return http1.ErrorResponse(http.StatusNotFound, "")
	case errors.Is(err, fs.ErrPermission):
		s.log.Warn("Permission denied", logger.LogFields{"path": s.resolver.Rel(p), "error": err.Error()})
		return http1.ErrorResponse(http.StatusNotFound, "")
	default:
		return s.ioError(req, "stat", err)
	}
}

func (s *FileServer) ioError(req *http1.Request, op string, err error) *http1.Response {
	s.log.Error("File operation failed", logger.LogFields{
		"op":     op,
		"method": req.Method,
		"path":   req.Path,
		"error":  err.Error(),
	})
	return http1.ErrorResponse(http.StatusInternalServerError, fmt.Sprintf("Failed to %s: %v", op, err))
}
