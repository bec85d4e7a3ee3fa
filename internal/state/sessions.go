package state

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/authkeep/internal/session"
	bolt "go.etcd.io/bbolt"
)

var _ session.Backend = (*SessionStore)(nil)

// SessionStore persists sessions in the sessions bucket keyed by token.
// Every Get decodes a fresh copy, so callers must Save after mutating
// the payload.
type SessionStore struct {
	s *State
}

// Get returns the session for token, or nil.
func (ss *SessionStore) Get(_ context.Context, token string) (*session.Session, error) {
	var sess *session.Session

	err := ss.s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(token))
		if v == nil {
			return nil
		}

		sess = &session.Session{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// Save writes the session.
func (ss *SessionStore) Save(_ context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return ss.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.Token()), data)
	})
}

// Delete removes a session by token.
func (ss *SessionStore) Delete(_ context.Context, token string) error {
	return ss.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(token))
	})
}

type sessionAge struct {
	CreatedMillis int64 `json:"created_millis"`
}

// ClearExpired removes sessions created before cutoffMillis in batches.
func (ss *SessionStore) ClearExpired(ctx context.Context, cutoffMillis int64) (int, error) {
	return ss.s.sweepBucket(ctx, sessionsBucket, func(_ *bolt.Tx, _, v []byte) (bool, error) {
		var a sessionAge
		if err := json.Unmarshal(v, &a); err != nil {
			return false, err
		}
		return a.CreatedMillis < cutoffMillis, nil
	})
}
