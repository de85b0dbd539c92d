// Package blob stores uploaded files and serves them back under /uploads/.
package blob

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/spf13/afero"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

const (
	DefaultMaxBytes = 5 << 20

	URLPrefix = "/uploads/"

	maxExtLen = 16
)

// TooLargeError rejects an upload above the size limit. Size is the number of
// bytes seen, which may stop shortly after Limit.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("upload too large: %d bytes exceeds the limit of %d bytes", e.Size, e.Limit)
}

// Upload describes a stored blob, as returned to the uploader.
type Upload struct {
	URL      string    `json:"url"`
	Filename string    `json:"filename"`
	Kind     chat.Kind `json:"type"`
	Size     int64     `json:"size"`
}

// Store keeps blobs in a directory of an afero filesystem.
type Store struct {
	fs       afero.Fs
	dir      string
	maxBytes int64
	now      func() time.Time
}

// NewStore creates a store under dir, maxBytes <= 0 means DefaultMaxBytes.
func NewStore(fs afero.Fs, dir string, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{fs: fs, dir: dir, maxBytes: maxBytes, now: time.Now}
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores the content of r. The kind is image when mimeHint is an image
// type; without a usable hint the content is sniffed.
func (s *Store) Upload(r io.Reader, declaredName, mimeHint string) (*Upload, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, &TooLargeError{Size: int64(len(data)), Limit: s.maxBytes}
	}

	detected := mimetype.Detect(data)
	mimeType := strings.TrimSpace(mimeHint)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = detected.String()
	}
	kind := chat.KindFile
	if strings.HasPrefix(mimeType, "image/") {
		kind = chat.KindImage
	}

	filename := baseName(declaredName)
	ext := safeExt(filepath.Ext(filename))
	if ext == "" {
		ext = detected.Extension()
	}
	name := fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), uuid.New(), ext)

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, name), data, 0644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	metrics.Uploads.WithLabelValues(string(kind)).Inc()
	glog.V(5).Infof("blob: stored %q as %s, %s, %d bytes", filename, name, mimeType, len(data))

	return &Upload{
		URL:      URLPrefix + name,
		Filename: filename,
		Kind:     kind,
		Size:     int64(len(data)),
	}, nil
}

// FileSystem exposes stored blobs for http.FileServer.
func (s *Store) FileSystem() http.FileSystem {
	return afero.NewHttpFs(s.fs).Dir(s.dir)
}

// baseName strips directories some browsers send along with the file name.
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func safeExt(ext string) string {
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}
