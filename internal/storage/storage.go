// Package storage keeps uploaded essay files. Files are addressed by a
// relative path when written and by the returned URL afterwards.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ndtrung87864/examgate/internal/apperr"
)

// ErrFileNotFound is returned when a stored file does not exist.
var ErrFileNotFound = fmt.Errorf("file %w", apperr.ErrNotFound)

// FileStore is the logical file storage contract.
type FileStore interface {
	Write(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, url string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, url string) error
}

// cleanKey validates a relative storage path and returns it in canonical
// slash form.
func cleanKey(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", errors.New("empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the store", p)
		}
	}
	k := strings.TrimPrefix(path.Clean("/"+p), "/")
	if k == "" {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return k, nil
}
