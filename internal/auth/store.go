// Package auth implements the server side of an OAuth 2.1 authorization
// code flow: single-use authorization codes, hashed access and refresh
// tokens, and the HTTP endpoints that issue and check them. Stores are
// contracts with an in-memory implementation here and a bbolt one in
// package state.
package auth

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/models"
)

// CodeStore holds single-use authorization codes.
type CodeStore interface {
	// Store inserts a code. A code that already exists is left untouched
	// and ErrCodeCollision is returned.
	Store(ctx context.Context, code *models.AuthorizationCode) error

	// Consume atomically removes and returns a code. It returns nil when
	// the code is unknown or expired. Concurrent callers racing on the
	// same code never both receive it.
	Consume(ctx context.Context, code string) (*models.AuthorizationCode, error)

	// Cleanup removes expired codes and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// TokenStore holds access and refresh tokens keyed by their hash.
// Callers hash raw tokens before every call.
type TokenStore interface {
	StoreAccessToken(ctx context.Context, t *models.AccessToken) error
	StoreRefreshToken(ctx context.Context, t *models.RefreshToken) error

	// ResolveAccessToken returns nil for unknown or expired hashes.
	ResolveAccessToken(ctx context.Context, hash string) (*models.AccessToken, error)
	// ResolveRefreshToken returns nil for unknown or expired hashes.
	ResolveRefreshToken(ctx context.Context, hash string) (*models.RefreshToken, error)

	// ConsumeRefreshToken atomically removes and returns a refresh token,
	// nil when unknown or expired. Used for rotation.
	ConsumeRefreshToken(ctx context.Context, hash string) (*models.RefreshToken, error)

	// RevokeAccessToken and RevokeRefreshToken are no-ops for absent hashes.
	RevokeAccessToken(ctx context.Context, hash string) error
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RevokeAllForUser removes every access and refresh token owned by
	// username and returns how many were removed.
	RevokeAllForUser(ctx context.Context, username string) (int, error)

	// Cleanup removes expired access and refresh tokens.
	Cleanup(ctx context.Context) (int, error)
}

// shardCount is the number of independently locked partitions in the
// in-memory stores. Sweeps lock one shard at a time.
const shardCount = 16

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// --- Authorization codes ---

type codeShard struct {
	mu    sync.Mutex
	codes map[string]*models.AuthorizationCode
}

// MemoryCodeStore is a CodeStore backed by sharded maps. State does not
// survive a restart.
type MemoryCodeStore struct {
	shards [shardCount]codeShard
}

// NewMemoryCodeStore creates an empty in-memory code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	s := &MemoryCodeStore{}
	for i := range s.shards {
		s.shards[i].codes = make(map[string]*models.AuthorizationCode)
	}
	return s
}

func (s *MemoryCodeStore) shard(code string) *codeShard {
	return &s.shards[shardIndex(code)]
}

// Store inserts a copy of the code.
func (s *MemoryCodeStore) Store(_ context.Context, ac *models.AuthorizationCode) error {
	sh := s.shard(ac.Code)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.codes[ac.Code]; exists {
		return apperrors.ErrCodeCollision
	}

	c := *ac
	sh.codes[ac.Code] = &c

	return nil
}

// Consume retrieves and deletes an authorization code under the shard
// lock. Expired codes are deleted and reported as missing.
func (s *MemoryCodeStore) Consume(_ context.Context, code string) (*models.AuthorizationCode, error) {
	sh := s.shard(code)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ac, ok := sh.codes[code]
	if !ok {
		return nil, nil
	}
	delete(sh.codes, code)

	if ac.Expired(time.Now()) {
		return nil, nil
	}
	return ac, nil
}

// Cleanup removes expired codes one shard at a time.
func (s *MemoryCodeStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0

	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sh := &s.shards[i]
		now := time.Now()

		sh.mu.Lock()
		for k, ac := range sh.codes {
			if ac.Expired(now) {
				delete(sh.codes, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed, nil
}

// Len returns the number of stored codes, expired or not.
func (s *MemoryCodeStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.codes)
		sh.mu.Unlock()
	}
	return n
}

// --- Tokens ---

// tokenShard holds every token of the subjects that hash to it, so
// revoking a subject's tokens needs only this shard's lock.
type tokenShard struct {
	mu      sync.RWMutex
	access  map[string]*models.AccessToken
	refresh map[string]*models.RefreshToken
}

// MemoryTokenStore is a TokenStore backed by maps partitioned by owning
// subject. Hash lookups scan each shard under a read lock.
type MemoryTokenStore struct {
	shards [shardCount]tokenShard
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	s := &MemoryTokenStore{}
	for i := range s.shards {
		s.shards[i].access = make(map[string]*models.AccessToken)
		s.shards[i].refresh = make(map[string]*models.RefreshToken)
	}
	return s
}

func (s *MemoryTokenStore) subjectShard(username string) *tokenShard {
	return &s.shards[shardIndex(username)]
}

// StoreAccessToken inserts or overwrites an access token by hash.
func (s *MemoryTokenStore) StoreAccessToken(_ context.Context, t *models.AccessToken) error {
	// A hash re-stored under a different subject must not linger in the
	// old subject's shard.
	s.deleteAccess(t.TokenHash)

	sh := s.subjectShard(t.Username)
	c := *t

	sh.mu.Lock()
	sh.access[t.TokenHash] = &c
	sh.mu.Unlock()

	return nil
}

// StoreRefreshToken inserts or overwrites a refresh token by hash.
func (s *MemoryTokenStore) StoreRefreshToken(_ context.Context, t *models.RefreshToken) error {
	s.deleteRefresh(t.TokenHash)

	sh := s.subjectShard(t.Username)
	c := *t

	sh.mu.Lock()
	sh.refresh[t.TokenHash] = &c
	sh.mu.Unlock()

	return nil
}

// ResolveAccessToken returns the access token for hash, or nil.
func (s *MemoryTokenStore) ResolveAccessToken(_ context.Context, hash string) (*models.AccessToken, error) {
	now := time.Now()

	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.RLock()
		t, ok := sh.access[hash]
		sh.mu.RUnlock()

		if ok {
			if t.Expired(now) {
				return nil, nil
			}
			c := *t
			return &c, nil
		}
	}

	return nil, nil
}

// ResolveRefreshToken returns the refresh token for hash, or nil.
func (s *MemoryTokenStore) ResolveRefreshToken(_ context.Context, hash string) (*models.RefreshToken, error) {
	now := time.Now()

	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.RLock()
		t, ok := sh.refresh[hash]
		sh.mu.RUnlock()

		if ok {
			if t.Expired(now) {
				return nil, nil
			}
			c := *t
			return &c, nil
		}
	}

	return nil, nil
}

// ConsumeRefreshToken removes and returns the refresh token for hash.
func (s *MemoryTokenStore) ConsumeRefreshToken(_ context.Context, hash string) (*models.RefreshToken, error) {
	t := s.deleteRefresh(hash)
	if t == nil || t.Expired(time.Now()) {
		return nil, nil
	}
	return t, nil
}

// RevokeAccessToken deletes an access token by hash.
func (s *MemoryTokenStore) RevokeAccessToken(_ context.Context, hash string) error {
	s.deleteAccess(hash)
	return nil
}

// RevokeRefreshToken deletes a refresh token by hash.
func (s *MemoryTokenStore) RevokeRefreshToken(_ context.Context, hash string) error {
	s.deleteRefresh(hash)
	return nil
}

// RevokeAllForUser deletes all tokens owned by username while holding
// that subject's shard lock.
func (s *MemoryTokenStore) RevokeAllForUser(_ context.Context, username string) (int, error) {
	sh := s.subjectShard(username)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	removed := 0
	for k, t := range sh.access {
		if t.Username == username {
			delete(sh.access, k)
			removed++
		}
	}
	for k, t := range sh.refresh {
		if t.Username == username {
			delete(sh.refresh, k)
			removed++
		}
	}

	return removed, nil
}

// Cleanup removes expired tokens one shard at a time.
func (s *MemoryTokenStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0

	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sh := &s.shards[i]
		now := time.Now()

		sh.mu.Lock()
		for k, t := range sh.access {
			if t.Expired(now) {
				delete(sh.access, k)
				removed++
			}
		}
		for k, t := range sh.refresh {
			if t.Expired(now) {
				delete(sh.refresh, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed, nil
}

func (s *MemoryTokenStore) deleteAccess(hash string) {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		_, ok := sh.access[hash]
		if ok {
			delete(sh.access, hash)
		}
		sh.mu.Unlock()

		if ok {
			return
		}
	}
}

func (s *MemoryTokenStore) deleteRefresh(hash string) *models.RefreshToken {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		t, ok := sh.refresh[hash]
		if ok {
			delete(sh.refresh, hash)
		}
		sh.mu.Unlock()

		if ok {
			return t
		}
	}
	return nil
}
