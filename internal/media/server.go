// Package media serves frame images from a local directory, for deployments
// that keep batches on disk instead of in a bucket.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrOutsideRoot = errors.New("path escapes media root")

type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("stat media root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat media root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media root %s is not a directory", abs)
	}
	return &Server{root: abs, logger: logger}, nil
}

// Resolve maps a slash separated relative path to a file under the root.
// Symlinks are followed and must land under the root as well.
func (s *Server) Resolve(rel string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))
	if cleaned == "/" {
		return "", ErrOutsideRoot
	}
	full := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	if !s.within(full) {
		return "", ErrOutsideRoot
	}

	target, err := filepath.EvalSymlinks(full)
	if errors.Is(err, fs.ErrNotExist) {
		return full, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}
	if !s.within(target) {
		return "", ErrOutsideRoot
	}
	return full, nil
}

func (s *Server) within(p string) bool {
	return p == s.root || strings.HasPrefix(p, s.root+string(filepath.Separator))
}

// ServeFile writes the file at rel, honouring a single byte range.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, rel string) error {
	filePath, err := s.Resolve(rel)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("media path rejected", "path", rel)
		}
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "private, max-age=300")

	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil &&
		!stat.ModTime().Truncate(time.Second).After(since) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	byteRange, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	if byteRange == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, file)
		}
		return nil
	}

	h.Set("Content-Length", strconv.FormatInt(byteRange.Length(), 10))
	h.Set("Content-Range", byteRange.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(byteRange.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	io.CopyN(w, file, byteRange.Length())
	return nil
}
