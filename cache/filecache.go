package cache

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// fileEnvelope is what FileStore writes per key. The original key is kept so
// Keys can be answered without inverting the file name.
type fileEnvelope struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Body      []byte    `json:"body"`
}

// FileStore implements Store on the filesystem, one file per key. Updates
// are atomic within a process; use Redis or Postgres when several processes
// share the cache.
type FileStore struct {
	dir   string
	locks *xsync.MapOf[string, *sync.Mutex]
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".swr_cache")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create cache dir %s", dir)
	}
	return &FileStore{dir: dir, locks: xsync.NewMapOf[string, *sync.Mutex]()}, nil
}

func (fs *FileStore) lock(key string) func() {
	mu, _ := fs.locks.LoadOrCompute(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

func (fs *FileStore) read(key string) (*fileEnvelope, error) {
	data, err := os.ReadFile(fs.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(err, "corrupt cache file for %q", key)
	}
	if !env.ExpiresAt.IsZero() && !time.Now().Before(env.ExpiresAt) {
		return nil, nil
	}
	return &env, nil
}

func (fs *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	env, err := fs.read(key)
	if err != nil || env == nil {
		return nil, false, err
	}
	return env.Body, true, nil
}

func (fs *FileStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	unlock := fs.lock(key)
	defer unlock()

	env, err := fs.read(key)
	if err != nil {
		return err
	}
	var current []byte
	if env != nil {
		current = env.Body
	}
	next, write, err := fn(current, env != nil)
	if err != nil || !write {
		return err
	}

	out := fileEnvelope{Key: key, Body: next}
	if ttl > 0 {
		out.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	path := fs.path(key)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (fs *FileStore) Delete(_ context.Context, key string) error {
	unlock := fs.lock(key)
	defer unlock()
	err := os.Remove(fs.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (fs *FileStore) files() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, filepath.Join(fs.dir, e.Name()))
	}
	return names, nil
}

func (fs *FileStore) Keys(_ context.Context) ([]string, error) {
	names, err := fs.files()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	keys := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		var env fileEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt) {
			continue
		}
		keys = append(keys, env.Key)
	}
	return keys, nil
}

func (fs *FileStore) Flush(_ context.Context) error {
	names, err := fs.files()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (fs *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(fs.dir)
	return err
}

func (fs *FileStore) Close() error {
	return nil
}

// path generates the full filesystem path for a cache key
func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, fs.fileName(key))
}

// fileName maps a key to a unique, filesystem safe name.
func (fs *FileStore) fileName(key string) string {
	escaped := url.PathEscape(key)
	// For very long keys, use hash to avoid filesystem limits
	if len(escaped) > 200 {
		return fmt.Sprintf("hash_%x.json", md5.Sum([]byte(key)))
	}
	return strings.ReplaceAll(escaped, ":", "%3A") + ".json"
}
