package leader

import (
	"context"
	"sync"
	"time"
)

// InMemoryPrimaryLock is a reference PrimaryLock for single-node
// deployments and tests, exercising the same interface a real Redis
// SET-NX/PEXPIRE-based lock would (spec.md §1 treats Redis as external).
type InMemoryPrimaryLock struct {
	mu        sync.Mutex
	holder    string
	expiresAt time.Time
}

// NewInMemoryPrimaryLock builds an empty reference lock.
func NewInMemoryPrimaryLock() *InMemoryPrimaryLock {
	return &InMemoryPrimaryLock{}
}

func (l *InMemoryPrimaryLock) TryAcquire(_ context.Context, instanceID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.holder != "" && l.holder != instanceID && now.Before(l.expiresAt) {
		return false, nil
	}
	l.holder = instanceID
	l.expiresAt = now.Add(ttl)
	return true, nil
}

func (l *InMemoryPrimaryLock) Renew(_ context.Context, instanceID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != instanceID {
		return false, nil
	}
	l.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (l *InMemoryPrimaryLock) Release(_ context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == instanceID {
		l.holder = ""
	}
	return nil
}
