package session

import (
	"context"
	"hash/fnv"
	"sync"
)

const memoryShards = 16

type memoryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// MemoryBackend keeps sessions in sharded maps. Lookups return the
// stored pointer, so payload changes are visible without Save.
type MemoryBackend struct {
	shards [memoryShards]memoryShard
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i].sessions = make(map[string]*Session)
	}
	return b
}

func (b *MemoryBackend) shard(token string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return &b.shards[h.Sum32()%memoryShards]
}

// Get returns the session for token, or nil.
func (b *MemoryBackend) Get(_ context.Context, token string) (*Session, error) {
	sh := b.shard(token)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[token], nil
}

// Save stores the session pointer.
func (b *MemoryBackend) Save(_ context.Context, s *Session) error {
	sh := b.shard(s.Token())
	sh.mu.Lock()
	sh.sessions[s.Token()] = s
	sh.mu.Unlock()
	return nil
}

// Delete removes a session.
func (b *MemoryBackend) Delete(_ context.Context, token string) error {
	sh := b.shard(token)
	sh.mu.Lock()
	delete(sh.sessions, token)
	sh.mu.Unlock()
	return nil
}

// ClearExpired removes sessions created before cutoffMillis, locking one
// shard at a time.
func (b *MemoryBackend) ClearExpired(ctx context.Context, cutoffMillis int64) (int, error) {
	removed := 0

	for i := range b.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sh := &b.shards[i]

		sh.mu.Lock()
		for k, s := range sh.sessions {
			if s.CreatedMillis() < cutoffMillis {
				delete(sh.sessions, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed, nil
}

// Len returns the number of stored sessions.
func (b *MemoryBackend) Len() int {
	n := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
