// Package docstore keeps uploaded documents on the local filesystem.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chat-rag/internal/models"
)

// reserved files share the data directory but are never documents
var reserved = map[string]bool{
	".gitkeep":        true,
	"chat_history.db": true,
}

// FS is a document store rooted at a directory.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document dir: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) Root() string { return s.root }

// List returns the store-relative names of every supported document, sorted.
func (s *FS) List(ctx context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !IsDocument(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the raw bytes of a listed document.
func (s *FS) ReadFile(name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrSourceNotFound, name)
	}
	return data, err
}

// Add writes r into the store under the base name of name and returns the
// sanitized name. An existing file with that name is overwritten.
func (s *FS) Add(name string, r io.Reader) (string, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, clean)
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return clean, nil
}

// Remove deletes a document. A missing document yields ErrSourceNotFound.
func (s *FS) Remove(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", models.ErrSourceNotFound, name)
		}
		return err
	}
	return nil
}

func (s *FS) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidSourceName, name)
	}
	return filepath.Join(s.root, clean), nil
}

// SanitizeName strips directory components and checks the extension.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" || reserved[base] || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidSourceName, name)
	}
	if !IsDocument(base) {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, filepath.Ext(base))
	}
	return base, nil
}

// IsDocument reports whether a file name has a supported extension.
func IsDocument(name string) bool {
	if reserved[name] || strings.HasPrefix(name, ".") {
		return false
	}
	_, ok := models.SupportedExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
