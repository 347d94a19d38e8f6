package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a store is expected to exist but does not.
var ErrNotFound = errors.New("store not found")

// Provider is an interface for a versioned cache provider.
// It holds any number of named stores, each one identified by a version tag.
// Stores hold []byte values, which represent serialized responses.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the store for the given tag, creating it if absent.
	// Opening the same tag twice gives access to the same entries.
	Open(ctx context.Context, tag string) (Store, error)
	// Tags lists the tags of all existing stores.
	Tags(ctx context.Context) ([]string, error)
	// Delete removes the store for the tag and all its entries.
	// Deleting a tag that does not exist is not an error.
	Delete(ctx context.Context, tag string) error
	// Close releases the resources held by the provider.
	Close() error
}

// Store is a single versioned store.
// Individual operations are atomic, sequences of them are not.
type Store interface {
	// Tag returns the version tag of the store.
	Tag() string
	// Put stores the value under the key, replacing any previous value.
	// Putting into a store whose tag has been deleted returns ErrNotFound
	// and does not bring the tag back.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value for the key.
	// The boolean is false if there is no such entry, which is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Keys returns all keys in the store in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// Existing opens the store for the tag only if it already exists.
func Existing(ctx context.Context, p Provider, tag string) (Store, error) {
	tags, err := p.Tags(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t == tag {
			return p.Open(ctx, tag)
		}
	}
	return nil, ErrNotFound
}

type memEntries struct {
	mutex sync.RWMutex
	db    map[string][]byte
}

// memStore is a handle on the entries of a tag in its provider.
type memStore struct {
	tag string
	p   MemProvider
}

type MemProvider struct {
	mutex  *sync.Mutex
	stores map[string]*memEntries
}

// NewMemProvider creates a provider that keeps everything in process memory.
// It is not durable and is meant for tests and throwaway instances.
func NewMemProvider() MemProvider {
	return MemProvider{
		mutex:  &sync.Mutex{},
		stores: make(map[string]*memEntries),
	}
}

func (m MemProvider) Open(_ context.Context, tag string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[tag]; !ok {
		m.stores[tag] = &memEntries{db: make(map[string][]byte)}
	}
	return memStore{tag: tag, p: m}, nil
}

func (m MemProvider) Tags(_ context.Context) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tags := make([]string, 0, len(m.stores))
	for tag := range m.stores {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (m MemProvider) Delete(_ context.Context, tag string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, tag)
	return nil
}

func (m MemProvider) Close() error {
	return nil
}

func (m MemProvider) entries(tag string) (*memEntries, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e, ok := m.stores[tag]
	return e, ok
}

func (s memStore) Tag() string {
	return s.tag
}

func (s memStore) Put(_ context.Context, key string, value []byte) error {
	e, ok := s.p.entries(s.tag)
	if !ok {
		return ErrNotFound
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.db[key] = value
	return nil
}

func (s memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.p.entries(s.tag)
	if !ok {
		return nil, false, nil
	}
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	value, ok := e.db[key]
	return value, ok, nil
}

func (s memStore) Keys(_ context.Context) ([]string, error) {
	e, ok := s.p.entries(s.tag)
	if !ok {
		return []string{}, nil
	}
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	keys := make([]string, 0, len(e.db))
	for key := range e.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
