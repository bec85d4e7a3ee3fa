package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/authkeep/internal/auth"
	"github.com/alexjbarnes/authkeep/internal/models"
	bolt "go.etcd.io/bbolt"
)

var _ auth.TokenStore = (*TokenStore)(nil)

const (
	kindAccess  = "a"
	kindRefresh = "r"
)

// subjectKey builds a token_subjects key: username\x00kind\x00hash.
func subjectKey(username, kind, hash string) []byte {
	return []byte(username + "\x00" + kind + "\x00" + hash)
}

func subjectPrefix(username string) []byte {
	return []byte(username + "\x00")
}

// tokenOwner is the part of a stored token the subject index needs.
type tokenOwner struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore persists access and refresh tokens keyed by hash, with a
// token_subjects index for per-user revocation.
type TokenStore struct {
	s *State
}

func bucketForKind(kind string) []byte {
	if kind == kindAccess {
		return accessTokensBucket
	}
	return refreshTokensBucket
}

// put writes a token and its index entry, replacing any previous token
// stored under the same hash.
func (t *TokenStore) put(kind, hash, username string, value any) error {
	if hash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return t.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketForKind(kind))
		idx := tx.Bucket(tokenSubjectsBucket)

		if old := b.Get([]byte(hash)); old != nil {
			var o tokenOwner
			if err := json.Unmarshal(old, &o); err == nil {
				if err := idx.Delete(subjectKey(o.Username, kind, hash)); err != nil {
					return err
				}
			}
		}

		if err := b.Put([]byte(hash), data); err != nil {
			return err
		}

		return idx.Put(subjectKey(username, kind, hash), nil)
	})
}

// remove deletes a token and its index entry inside tx, returning the
// stored bytes (copied) or nil.
func removeToken(tx *bolt.Tx, kind, hash string) ([]byte, error) {
	b := tx.Bucket(bucketForKind(kind))

	v := b.Get([]byte(hash))
	if v == nil {
		return nil, nil
	}

	data := append([]byte(nil), v...)

	var o tokenOwner
	if err := json.Unmarshal(data, &o); err == nil {
		if err := tx.Bucket(tokenSubjectsBucket).Delete(subjectKey(o.Username, kind, hash)); err != nil {
			return nil, err
		}
	}

	if err := b.Delete([]byte(hash)); err != nil {
		return nil, err
	}

	return data, nil
}

// get decodes a token by hash into out, returning false when absent.
func (t *TokenStore) get(kind, hash string, out any) (bool, error) {
	found := false

	err := t.s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketForKind(kind)).Get([]byte(hash))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, out)
	})

	return found, err
}

// StoreAccessToken inserts or overwrites an access token by hash.
func (t *TokenStore) StoreAccessToken(_ context.Context, at *models.AccessToken) error {
	return t.put(kindAccess, at.TokenHash, at.Username, at)
}

// StoreRefreshToken inserts or overwrites a refresh token by hash.
func (t *TokenStore) StoreRefreshToken(_ context.Context, rt *models.RefreshToken) error {
	return t.put(kindRefresh, rt.TokenHash, rt.Username, rt)
}

// ResolveAccessToken returns the access token for hash, or nil.
func (t *TokenStore) ResolveAccessToken(_ context.Context, hash string) (*models.AccessToken, error) {
	var at models.AccessToken

	found, err := t.get(kindAccess, hash, &at)
	if err != nil || !found || at.Expired(time.Now()) {
		return nil, err
	}

	return &at, nil
}

// ResolveRefreshToken returns the refresh token for hash, or nil.
func (t *TokenStore) ResolveRefreshToken(_ context.Context, hash string) (*models.RefreshToken, error) {
	var rt models.RefreshToken

	found, err := t.get(kindRefresh, hash, &rt)
	if err != nil || !found || rt.Expired(time.Now()) {
		return nil, err
	}

	return &rt, nil
}

// ConsumeRefreshToken removes and returns a refresh token in one write
// transaction.
func (t *TokenStore) ConsumeRefreshToken(_ context.Context, hash string) (*models.RefreshToken, error) {
	var rt *models.RefreshToken

	err := t.s.db.Update(func(tx *bolt.Tx) error {
		data, err := removeToken(tx, kindRefresh, hash)
		if err != nil || data == nil {
			return err
		}

		var decoded models.RefreshToken
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.s.logger.Warn("dropping undecodable refresh token")
			return nil
		}

		if !decoded.Expired(time.Now()) {
			rt = &decoded
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rt, nil
}

// RevokeAccessToken deletes an access token by hash.
func (t *TokenStore) RevokeAccessToken(_ context.Context, hash string) error {
	return t.s.db.Update(func(tx *bolt.Tx) error {
		_, err := removeToken(tx, kindAccess, hash)
		return err
	})
}

// RevokeRefreshToken deletes a refresh token by hash.
func (t *TokenStore) RevokeRefreshToken(_ context.Context, hash string) error {
	return t.s.db.Update(func(tx *bolt.Tx) error {
		_, err := removeToken(tx, kindRefresh, hash)
		return err
	})
}

// RevokeAllForUser deletes every token of username with one prefix scan
// of token_subjects inside a single write transaction.
func (t *TokenStore) RevokeAllForUser(_ context.Context, username string) (int, error) {
	removed := 0
	prefix := subjectPrefix(username)

	err := t.s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(tokenSubjectsBucket)
		c := idx.Cursor()

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			parts := bytes.SplitN(k[len(prefix):], []byte{0}, 2)
			if len(parts) != 2 {
				continue
			}

			kind, hash := string(parts[0]), parts[1]

			if err := tx.Bucket(bucketForKind(kind)).Delete(hash); err != nil {
				return err
			}

			if err := idx.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// Cleanup removes expired access and refresh tokens in batches.
func (t *TokenStore) Cleanup(ctx context.Context) (int, error) {
	total := 0

	for _, kind := range []string{kindAccess, kindRefresh} {
		now := time.Now()

		n, err := t.s.sweepBucket(ctx, bucketForKind(kind), func(tx *bolt.Tx, k, v []byte) (bool, error) {
			var o tokenOwner
			if err := json.Unmarshal(v, &o); err != nil {
				return false, err
			}

			if now.Before(o.ExpiresAt) {
				return false, nil
			}

			return true, tx.Bucket(tokenSubjectsBucket).Delete(subjectKey(o.Username, kind, string(k)))
		})
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
