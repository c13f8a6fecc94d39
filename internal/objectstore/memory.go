package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/deaddrop/internal/signing"
)

// BlobPathPrefix is where Memory serves its signed URLs.
const BlobPathPrefix = "/blobs/"

// Memory keeps objects in a map. It doubles as an http.Handler serving the
// signed upload and download URLs it issues, so a single process can run the
// whole upload/pickup flow without S3.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	signer  *signing.Signer
	baseURL string
	maxBody int64
	now     func() time.Time
}

// NewMemory constructs a Memory store. baseURL is the externally reachable
// address of the process, e.g. http://localhost:8080.
func NewMemory(signer *signing.Signer, baseURL string) *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxBody: 64 << 20,
		now:     time.Now,
	}
}

var (
	_ Store     = (*Memory)(nil)
	_ Presigner = (*Memory)(nil)
)

// Put stores data under key.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) ListPage(ctx context.Context, prefix, startAfter string, max int) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if max <= 0 {
		max = MaxDeleteBatch
	}
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if len(keys) <= max {
		return keys, "", nil
	}
	page := keys[:max]
	return page, page[len(page)-1], nil
}

func (m *Memory) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > MaxDeleteBatch {
		return ErrBatchTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *Memory) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) PresignPut(_ context.Context, key, contentType string, expiry time.Duration) (Target, error) {
	t := m.presign(http.MethodPut, key, expiry)
	if contentType != "" {
		t.Headers = map[string]string{"Content-Type": contentType}
	}
	return t, nil
}

func (m *Memory) PresignGet(_ context.Context, key string, expiry time.Duration) (Target, error) {
	return m.presign(http.MethodGet, key, expiry), nil
}

func (m *Memory) presign(method, key string, expiry time.Duration) Target {
	expires := m.now().Add(expiry).Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("signature", m.signer.Sign(method, key, expires.Unix()))
	return Target{
		Key:       key,
		URL:       m.baseURL + BlobPathPrefix + key + "?" + q.Encode(),
		ExpiresAt: expires,
	}
}

// ServeHTTP handles PUT and GET on signed blob URLs.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, BlobPathPrefix)
	if key == "" || key == r.URL.Path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if !m.signer.Validate(r.Method, key, q.Get("expires"), q.Get("signature")) {
		http.Error(w, "invalid or expired signature", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		m.Put(key, data)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, err := m.GetObject(r.Context(), key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}
}
