package signal

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DistributedDedup is the Redis-backed dedup collaborator (spec.md §1 — an
// external interface; core only depends on this port, never a concrete
// client). A reference in-memory implementation is provided below for
// single-instance deployments and tests.
type DistributedDedup interface {
	// SeenRecently reports whether fingerprint was marked within ttl.
	SeenRecently(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	// MarkSeen records fingerprint with the given ttl.
	MarkSeen(ctx context.Context, fingerprint string, ttl time.Duration) error
}

// Dedup combines an in-memory LRU (fast path, survives within one process
// lifetime) with an optional DistributedDedup (cross-instance dedup in an
// HA deployment) and a short coalescing window for bursts of retried
// webhook deliveries (spec.md §4.1 "Deduplication": LRU capacity >= 1024,
// 60s coalescing window, DB unique constraint as last-resort backstop).
type Dedup struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[string]*list.Element

	remote DistributedDedup
}

type entry struct {
	fingerprint string
	seenAt      time.Time
}

// DefaultCapacity is the spec's documented minimum LRU size.
const DefaultCapacity = 1024

// DefaultCoalesceWindow is the spec's documented coalescing window.
const DefaultCoalesceWindow = 60 * time.Second

// NewDedup builds a Dedup with the given local LRU capacity and an optional
// distributed backend (pass nil for single-instance deployments).
func NewDedup(capacity int, remote DistributedDedup) *Dedup {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Dedup{
		capacity: capacity,
		ttl:      DefaultCoalesceWindow,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		remote:   remote,
	}
}

// CheckAndMark reports whether fingerprint was already seen within the
// coalescing window (local LRU first, then the distributed backend), and
// if not, records it in both. The DB unique constraint on signal_log
// remains the final backstop against a race between two instances checking
// concurrently (spec.md §4.1).
func (d *Dedup) CheckAndMark(ctx context.Context, fingerprint string) (bool, error) {
	if d.seenLocally(fingerprint) {
		return true, nil
	}

	if d.remote != nil {
		seen, err := d.remote.SeenRecently(ctx, fingerprint, d.ttl)
		if err != nil {
			return false, err
		}
		if seen {
			d.markLocally(fingerprint)
			return true, nil
		}
		if err := d.remote.MarkSeen(ctx, fingerprint, d.ttl); err != nil {
			return false, err
		}
	}

	d.markLocally(fingerprint)
	return false, nil
}

func (d *Dedup) seenLocally(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.index[fingerprint]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if time.Since(e.seenAt) > d.ttl {
		d.order.Remove(el)
		delete(d.index, fingerprint)
		return false
	}
	d.order.MoveToFront(el)
	return true
}

func (d *Dedup) markLocally(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[fingerprint]; ok {
		d.order.MoveToFront(el)
		el.Value.(*entry).seenAt = time.Now()
		return
	}

	el := d.order.PushFront(&entry{fingerprint: fingerprint, seenAt: time.Now()})
	d.index[fingerprint] = el

	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(*entry).fingerprint)
	}
}

// InMemoryDistributedDedup is a reference DistributedDedup implementation
// used where no real Redis client is wired (spec.md §1 treats the shared
// cache as an external interface); it is safe for concurrent use and
// suitable for tests and single-node deployments that still want the
// interface seam exercised.
type InMemoryDistributedDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInMemoryDistributedDedup builds an empty reference dedup store.
func NewInMemoryDistributedDedup() *InMemoryDistributedDedup {
	return &InMemoryDistributedDedup{seen: make(map[string]time.Time)}
}

func (m *InMemoryDistributedDedup) SeenRecently(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.seen[fingerprint]
	if !ok {
		return false, nil
	}
	return time.Since(t) <= ttl, nil
}

func (m *InMemoryDistributedDedup) MarkSeen(_ context.Context, fingerprint string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[fingerprint] = time.Now()
	return nil
}
