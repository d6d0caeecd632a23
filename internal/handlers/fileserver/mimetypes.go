package fileserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const defaultOctetStreamMimeType = "application/octet-stream"

// defaultMimeTypes is the built-in extension table. Lookups are exact on the
// lowercased extension; there is no fallback to the platform MIME database so
// that responses do not depend on the host.
var defaultMimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".css":  "text/css",
	".csv":  "text/csv",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/vnd.microsoft.icon",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// MimeTypeResolver maps file names to Content-Type values. Custom mappings
// take precedence over the built-in table.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver merges inline mappings with those read from the JSON
// file at mimeTypesPath (if non-empty). File entries override inline ones.
func NewMimeTypeResolver(fs afero.Fs, inline map[string]string, mimeTypesPath string) (*MimeTypeResolver, error) {
	custom := make(map[string]string, len(inline))
	for ext, mt := range inline {
		if !strings.HasPrefix(ext, ".") || mt == "" {
			return nil, fmt.Errorf("invalid MIME mapping %q -> %q: extension must start with '.' and type must not be empty", ext, mt)
		}
		custom[strings.ToLower(ext)] = mt
	}
	if mimeTypesPath != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(fs, mimeTypesPath)
		if err != nil {
			return nil, err
		}
		for ext, mt := range fromFile {
			custom[ext] = mt
		}
	}
	return &MimeTypeResolver{customMimeTypes: custom}, nil
}

// GetMimeType determines the MIME type for a given file path.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if r != nil {
		if mt, ok := r.customMimeTypes[ext]; ok {
			return mt
		}
	}
	if mt, ok := defaultMimeTypes[ext]; ok {
		return mt
	}
	return defaultOctetStreamMimeType
}

// LoadCustomMimeTypesFromFile reads a JSON object of extension to MIME type.
// Extensions must start with '.' and are lowercased; types must not be empty.
func LoadCustomMimeTypesFromFile(fs afero.Fs, filePath string) (map[string]string, error) {
	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	custom := make(map[string]string, len(parsed))
	for ext, mt := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mt == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		custom[strings.ToLower(ext)] = mt
	}
	return custom, nil
}
