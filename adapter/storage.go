package storefront

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Storage keys used by the token store and session manager
const (
	TokensKey = "auth_tokens"
	UserKey   = "auth_user"
)

// StorageOp is the kind of change carried by a StorageEvent
type StorageOp string

const (
	StorageSet    StorageOp = "set"
	StorageRemove StorageOp = "remove"
)

// StorageEvent describes a change made through ANOTHER handle on the same backing store.
// Handles never receive events for their own writes.
type StorageEvent struct {
	Key    string
	Op     StorageOp
	Value  string // empty for removals, and for backends that do not ship the value
	Origin string
}

// StorageBackend names accepted in config
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// NewStorage builds the backend selected in cfg
func NewStorage(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStorage(), nil
	case BackendFile:
		return NewFileStorage(cfg.Path, logger)
	case BackendRedis:
		return NewRedisStorage(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// memoryBus is the state shared by all handles attached to one MemoryStorage
type memoryBus struct {
	mu      sync.RWMutex
	data    map[string]string
	handles map[string]*MemoryStorage
}

// MemoryStorage is an in-process Storage. Attach returns another handle over
// the same data, which is how tests model a second browser tab.
// Peer events are delivered in write order on a goroutine owned by the
// receiving handle, never on the writer's goroutine.
type MemoryStorage struct {
	bus    *memoryBus
	origin string
	events *Emitter[StorageEvent]

	queueMu  sync.Mutex
	pending  []StorageEvent
	draining bool
	closed   bool
}

// NewMemoryStorage creates an empty store with one handle
func NewMemoryStorage() *MemoryStorage {
	bus := &memoryBus{
		data:    make(map[string]string),
		handles: make(map[string]*MemoryStorage),
	}
	return bus.attach()
}

func (b *memoryBus) attach() *MemoryStorage {
	h := &MemoryStorage{
		bus:    b,
		origin: uuid.NewString(),
		events: NewEmitter[StorageEvent]("storage", nil),
	}
	b.mu.Lock()
	b.handles[h.origin] = h
	b.mu.Unlock()
	return h
}

// Attach returns a new handle sharing this store's data and change feed
func (m *MemoryStorage) Attach() *MemoryStorage {
	return m.bus.attach()
}

// Origin identifies this handle in StorageEvents
func (m *MemoryStorage) Origin() string { return m.origin }

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()
	v, ok := m.bus.data[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.bus.mu.Lock()
	m.bus.data[key] = value
	m.bus.mu.Unlock()

	m.publish(StorageEvent{Key: key, Op: StorageSet, Value: value, Origin: m.origin})
	return nil
}

func (m *MemoryStorage) Remove(_ context.Context, key string) error {
	m.bus.mu.Lock()
	_, existed := m.bus.data[key]
	delete(m.bus.data, key)
	m.bus.mu.Unlock()

	if existed {
		m.publish(StorageEvent{Key: key, Op: StorageRemove, Origin: m.origin})
	}
	return nil
}

func (m *MemoryStorage) Subscribe(fn func(StorageEvent)) func() {
	return m.events.Subscribe(fn)
}

// Close detaches the handle from the shared bus and drops undelivered events
func (m *MemoryStorage) Close() error {
	m.bus.mu.Lock()
	delete(m.bus.handles, m.origin)
	m.bus.mu.Unlock()

	m.queueMu.Lock()
	m.closed = true
	m.pending = nil
	m.queueMu.Unlock()
	return nil
}

func (m *MemoryStorage) publish(ev StorageEvent) {
	m.bus.mu.RLock()
	peers := make([]*MemoryStorage, 0, len(m.bus.handles))
	for origin, h := range m.bus.handles {
		if origin != m.origin {
			peers = append(peers, h)
		}
	}
	m.bus.mu.RUnlock()

	for _, h := range peers {
		h.enqueue(ev)
	}
}

func (m *MemoryStorage) enqueue(ev StorageEvent) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		return
	}
	m.pending = append(m.pending, ev)
	if !m.draining {
		m.draining = true
		go m.drain()
	}
}

func (m *MemoryStorage) drain() {
	for {
		m.queueMu.Lock()
		if m.closed || len(m.pending) == 0 {
			m.draining = false
			m.queueMu.Unlock()
			return
		}
		ev := m.pending[0]
		m.pending = m.pending[1:]
		m.queueMu.Unlock()

		m.events.Emit(ev)
	}
}
