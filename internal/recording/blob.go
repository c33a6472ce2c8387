package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidKey = errors.New("recording: invalid blob key")

// BlobStore persists an artifact and returns the URL it can be fetched from.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	c := path.Clean(key)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return c, nil
}

// FSStore writes blobs under a directory that is served at BaseURL.
type FSStore struct {
	dir     string
	baseURL string
}

func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("recording: blob dir is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("recording: base url: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create blob dir: %w", err)
	}
	return &FSStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FSStore) Dir() string { return s.dir }

// Put writes to a temp file and renames it into place, so readers never see a
// partial blob.
func (s *FSStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("recording: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("recording: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("recording: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("recording: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("recording: publish blob: %w", err)
	}
	return s.baseURL + "/" + key, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// Blob is an artifact held by MemoryStore.
type Blob struct {
	ContentType string
	Data        []byte
}

// MemoryStore keeps blobs in memory. Err, when set, fails every Put.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string]Blob
	Err   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string]Blob{}}
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	fail := m.Err
	m.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.blobs[key] = Blob{ContentType: contentType, Data: buf.Bytes()}
	m.mu.Unlock()
	return "mem://" + key, nil
}

func (m *MemoryStore) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

func (m *MemoryStore) Get(key string) (Blob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	return b, ok
}

func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	return keys
}
