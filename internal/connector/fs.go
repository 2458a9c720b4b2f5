package connector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSSource reads documents below a root directory.
type FSSource struct {
	root       string
	extensions map[string]bool
}

// NewFSSource lists files with the given extensions (".pdf" when none).
func NewFSSource(root string, extensions ...string) (*FSSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fs source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fs source: %s is not a directory", root)
	}
	if len(extensions) == 0 {
		extensions = []string{".pdf"}
	}
	ext := map[string]bool{}
	for _, e := range extensions {
		ext[strings.ToLower(e)] = true
	}
	return &FSSource{root: root, extensions: ext}, nil
}

func (s *FSSource) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	p := filepath.Join(s.root, clean)
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("fs source: key %q escapes root", key)
	}
	return p, nil
}

func (s *FSSource) Read(_ context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("fs source: empty key")
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if !s.extensions[strings.ToLower(filepath.Ext(p))] {
		return nil, nil
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (s *FSSource) ReadAll(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if p != s.root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !s.extensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs source: list %s: %w", s.root, err)
	}
	sort.Strings(out)
	return out, nil
}
