package blob

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

type object struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process. Signed URLs use the memory:// scheme and are not
// resolvable.
type Memory struct {
	name    string
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

func NewMemory(name string) *Memory {
	return &Memory{name: name, objects: make(map[string]object), now: time.Now}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = object{data: buf, contentType: contentType}
	return key, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Host: m.name, Path: "/" + key}
	u.RawQuery = url.Values{"expires": {fmt.Sprint(m.now().Add(ttl).Unix())}}.Encode()
	return u.String(), nil
}

func (m *Memory) Location() string {
	return "memory://" + m.name
}

// ContentType returns the content type an object was stored with.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
