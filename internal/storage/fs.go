package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps files in a local directory and hands out file:// URLs.
type FSStore struct{ base string }

// NewFSStore creates the base directory if needed.
func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		base = "./data/uploads"
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	return &FSStore{base: abs}, nil
}

func (s *FSStore) Write(_ context.Context, p string, data []byte, _ string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}
	return u.String(), nil
}

// localPath maps a URL produced by Write back to a path inside the base
// directory.
func (s *FSStore) localPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a file URL: %q", raw)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	if p != s.base && !strings.HasPrefix(p, s.base+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside the store", raw)
	}
	return p, nil
}

func (s *FSStore) Read(_ context.Context, raw string) ([]byte, error) {
	p, err := s.localPath(raw)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", raw, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", raw, err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, p string) (bool, error) {
	key, err := cleanKey(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.base, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStore) Delete(_ context.Context, raw string) error {
	p, err := s.localPath(raw)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", raw, err)
	}
	return nil
}
