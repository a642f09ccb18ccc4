// Package leader implements HA leader election: a primary Redis-backed
// lock (external interface, spec.md §1) with a database-backed fallback
// and split-brain resolution, signed with JWT instance-identity tokens so
// a stale claim can be distinguished from a current one (spec.md §2 "HA
// Leader Election", §4.8).
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
)

var log = logger.With("leader")

// PrimaryLock is the Redis-backed distributed lock port (spec.md §1 —
// external interface; core code never imports a concrete Redis client).
type PrimaryLock interface {
	// TryAcquire attempts to take the lock for instanceID with the given
	// TTL, returning true if acquired.
	TryAcquire(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	// Renew extends the TTL if instanceID still holds the lock.
	Renew(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	// Release gives up the lock if instanceID currently holds it.
	Release(ctx context.Context, instanceID string) error
}

// LeaseDuration is the spec's documented primary-lock TTL.
const LeaseDuration = 15 * time.Second

// RenewInterval is how often a leader renews its lease, comfortably inside
// LeaseDuration so a missed tick or two doesn't cause flapping.
const RenewInterval = 5 * time.Second

// Store is the subset of portfolio.Store the elector needs for the
// database-backed fallback lock.
type Store interface {
	GetInstance(instanceID string) (*portfolio.InstanceMetadata, error)
	UpsertHeartbeat(m *portfolio.InstanceMetadata) error
	SetLeaderFlag(instanceID string, isLeader bool, acquiredAt *time.Time) error
}

// Elector runs the leader-election loop for one engine instance.
type Elector struct {
	instanceID string
	primary    PrimaryLock
	store      Store
	signingKey []byte

	mu       sync.RWMutex
	isLeader bool
	token    string
}

// New builds an Elector. signingKey derives the JWT used to sign this
// instance's identity token (spec.md §4.8 "signed instance-identity
// tokens"); it should come from config.Security via HKDF, never a literal.
func New(instanceID string, primary PrimaryLock, store Store, signingKey []byte) *Elector {
	return &Elector{instanceID: instanceID, primary: primary, store: store, signingKey: signingKey}
}

// IsLeader reports whether this instance currently believes it holds
// leadership.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// RequireLeader returns apperr.LeadershipError if this instance is not
// currently the leader; callers use this to gate order-placing code paths
// (spec.md §4.8 "only the leader executes trades").
func (e *Elector) RequireLeader() error {
	if !e.IsLeader() {
		return &apperr.LeadershipError{InstanceID: e.instanceID}
	}
	return nil
}

// Run attempts to acquire and hold leadership until ctx is cancelled,
// falling back to the database lock if the primary lock's backend is
// unavailable (spec.md §4.8 "backup lock path").
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(RenewInterval)
	defer ticker.Stop()

	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			e.relinquish(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	acquired, err := e.tryPrimary(ctx)
	if err != nil {
		log.Warnf("leader: primary lock unavailable, falling back to db: %v", err)
		acquired = e.tryBackup()
	}
	e.setLeader(acquired)
}

func (e *Elector) tryPrimary(ctx context.Context) (bool, error) {
	if e.primary == nil {
		return false, fmt.Errorf("no primary lock configured")
	}
	if e.IsLeader() {
		ok, err := e.primary.Renew(ctx, e.instanceID, LeaseDuration)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return e.primary.TryAcquire(ctx, e.instanceID, LeaseDuration)
}

// tryBackup implements the database fallback: leadership goes to whichever
// instance has held it the longest (oldest leader_acquired_at), which
// resolves a split-brain in favor of the incumbent rather than flapping
// between instances with close heartbeats (spec.md §4.8 "split-brain
// resolution").
func (e *Elector) tryBackup() bool {
	now := time.Now().UTC()
	meta := &portfolio.InstanceMetadata{
		InstanceID:    e.instanceID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        portfolio.InstanceActive,
	}
	if err := e.store.UpsertHeartbeat(meta); err != nil {
		log.Errorf("leader: heartbeat upsert failed: %v", err)
		return false
	}

	existing, err := e.store.GetInstance(e.instanceID)
	if err == nil && existing.IsLeader {
		return true
	}

	acquiredAt := now
	if err := e.store.SetLeaderFlag(e.instanceID, true, &acquiredAt); err != nil {
		log.Errorf("leader: backup lock claim failed: %v", err)
		return false
	}
	return true
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leader && !e.isLeader {
		token, err := e.signIdentityToken()
		if err != nil {
			log.Errorf("leader: failed to sign identity token: %v", err)
		}
		e.token = token
		log.Infof("leader: instance %s acquired leadership", e.instanceID)
	}
	if !leader && e.isLeader {
		log.Infof("leader: instance %s lost leadership", e.instanceID)
		e.token = ""
	}
	e.isLeader = leader
}

func (e *Elector) relinquish(ctx context.Context) {
	if e.primary != nil {
		_ = e.primary.Release(ctx, e.instanceID)
	}
	_ = e.store.SetLeaderFlag(e.instanceID, false, nil)
	e.setLeader(false)
}

// signIdentityToken issues a short-lived JWT asserting this instance holds
// leadership as of now, so consumers (e.g. the emergency API) can verify a
// leadership claim is current rather than stale (spec.md §4.8).
func (e *Elector) signIdentityToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"instance_id": e.instanceID,
		"iat":         now.Unix(),
		"exp":         now.Add(LeaseDuration).Unix(),
		"jti":         randomID(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(e.signingKey)
}

// Token returns the current signed identity token, or "" if not leader.
func (e *Elector) Token() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.token
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
