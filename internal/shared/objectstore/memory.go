package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// Memory keeps objects in process memory. Upload credentials point at a
// memory:// URL; tests and in-process workers write through Write.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		now:     time.Now,
	}
}

func (m *Memory) ReserveUpload(_ context.Context, path string, ttl time.Duration) (*core.UploadCredential, error) {
	if path == "" {
		return nil, fmt.Errorf("empty object path")
	}
	expires := m.now().UTC().Add(ttl)
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + path,
		RawQuery: url.Values{"expires": {expires.Format(time.RFC3339)}}.Encode(),
	}
	return &core.UploadCredential{
		Method:    http.MethodPut,
		URL:       u.String(),
		ExpiresAt: expires,
	}, nil
}

func (m *Memory) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, core.ErrNotFound)
	}
	return slices.Clone(data), nil
}

func (m *Memory) Write(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = slices.Clone(data)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Type() string {
	return "memory"
}
