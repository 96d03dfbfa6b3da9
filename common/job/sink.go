package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink is the destination for fetched resource bytes. Create returns a
// writer for one resource and the path the outcome record will carry.
type Sink interface {
	Create(leafResourceID, filename string) (io.WriteCloser, string, error)
}

// DirSink writes downloads into a directory, one file per leaf resource
type DirSink struct {
	dir string
}

// NewDirSink creates a directory-backed sink rooted at dir
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

// Create opens the destination file for one resource. The broker-provided
// filename wins when present; otherwise the leaf resource id is used. Path
// traversal segments are stripped so writes stay under the sink root.
func (s *DirSink) Create(leafResourceID, filename string) (io.WriteCloser, string, error) {
	name := filename
	if name == "" {
		name = leafResourceID
	}
	name = sanitize(name)
	if name == "" {
		return nil, "", fmt.Errorf("resource %q yields no usable filename", leafResourceID)
	}

	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create download directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download file %s: %w", path, err)
	}
	return f, path, nil
}

// sanitize rebuilds a relative path from the safe segments of name
func sanitize(name string) string {
	parts := strings.Split(filepath.ToSlash(name), "/")
	safe := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		safe = append(safe, p)
	}
	return filepath.Join(safe...)
}
