package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".kv"

// FileKV keeps one file per key inside a directory. Writes go to a temp file
// that is renamed over the target, so readers never see a partial value.
type FileKV struct {
	dir string
}

// NewFileKV creates dir if needed and returns a store rooted there.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create offline directory: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (f *FileKV) Dir() string {
	return f.dir
}

// KeyFromPath maps a file inside Dir back to its key. It reports false for
// temp files and anything not written by FileKV.
func (f *FileKV) KeyFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if filepath.Dir(path) != filepath.Clean(f.dir) || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileExt)
}

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(f.dir); statErr != nil {
			return nil, false, fmt.Errorf("get %s: %w: %v", key, ErrUnavailable, statErr)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

func (f *FileKV) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("set %s: %w: %v", key, ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (f *FileKV) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(f.dir); statErr != nil {
			return fmt.Errorf("delete %s: %w: %v", key, ErrUnavailable, statErr)
		}
		return nil
	}
	return fmt.Errorf("delete %s: %w", key, err)
}

func (f *FileKV) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w: %v", ErrUnavailable, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := f.KeyFromPath(filepath.Join(f.dir, e.Name()))
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
