package ephstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type fakeEntry struct {
	value   string
	hash    map[string]string
	expires time.Time
	hasTTL  bool
}

// FakeStore is an in-memory Store used by tests that need a Store without
// Redis (PortAllocator's tests).
type FakeStore struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{entries: make(map[string]*fakeEntry)}
}

func (f *FakeStore) get(key string) (*fakeEntry, bool) {
	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	if e.hasTTL && time.Now().After(e.expires) {
		delete(f.entries, key)
		return nil, false
	}
	return e, true
}

func (f *FakeStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expires = time.Now().Add(ttl)
	}
	f.entries[key] = e
	return nil
}

func (f *FakeStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.get(key); ok {
		return false, nil
	}
	e := &fakeEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expires = time.Now().Add(ttl)
	}
	f.entries[key] = e
	return true, nil
}

func (f *FakeStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (f *FakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *FakeStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.get(key)
	return ok, nil
}

func (f *FakeStore) HSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok {
		e = &fakeEntry{hash: make(map[string]string)}
		f.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = value
	return nil
}

func (f *FakeStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok || e.hash == nil {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (f *FakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok || e.hash == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStore) HDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok || e.hash == nil {
		return nil
	}
	for _, field := range fields {
		delete(e.hash, field)
	}
	return nil
}

func (f *FakeStore) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok {
		e = &fakeEntry{value: "0"}
		f.entries[key] = e
	}
	var n int64
	for _, c := range e.value {
		if c < '0' || c > '9' {
			n = 0
			break
		}
		n = n*10 + int64(c-'0')
	}
	n++
	e.value = itoa(n)
	return n, nil
}

func (f *FakeStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.get(key)
	if !ok {
		return nil
	}
	e.hasTTL = true
	e.expires = time.Now().Add(ttl)
	return nil
}

func (f *FakeStore) Scan(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.entries {
		if _, ok := f.get(k); !ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *FakeStore) Ping(_ context.Context) error { return nil }

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var _ Store = (*FakeStore)(nil)
