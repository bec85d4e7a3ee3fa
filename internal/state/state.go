// Package state is the bbolt-backed durable implementation of the code,
// token and session stores.
package state

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// cleanupBatchSize is how many entries one cleanup write
	// transaction examines before committing and releasing the lock.
	cleanupBatchSize = 256
)

var (
	codesBucket         = []byte("auth_codes")
	accessTokensBucket  = []byte("access_tokens")
	refreshTokensBucket = []byte("refresh_tokens")
	tokenSubjectsBucket = []byte("token_subjects")
	sessionsBucket      = []byte("sessions")
)

// State wraps a bbolt database holding codes, tokens and sessions.
type State struct {
	db     *bolt.DB
	logger *slog.Logger
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string, logger *slog.Logger) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{codesBucket, accessTokensBucket, refreshTokensBucket, tokenSubjectsBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Codes returns the authorization code store view.
func (s *State) Codes() *CodeStore {
	return &CodeStore{s: s}
}

// Tokens returns the token store view.
func (s *State) Tokens() *TokenStore {
	return &TokenStore{s: s}
}

// Sessions returns the session backend view.
func (s *State) Sessions() *SessionStore {
	return &SessionStore{s: s}
}

// sweepFunc decides whether the entry k/v should be deleted and may
// delete related entries in other buckets. A non-nil error marks the
// entry undecodable; it is logged and left in place.
type sweepFunc func(tx *bolt.Tx, k, v []byte) (bool, error)

// sweepBucket walks a bucket in batches of cleanupBatchSize, one write
// transaction per batch, deleting entries selected by fn.
func (s *State) sweepBucket(ctx context.Context, name []byte, fn sweepFunc) (int, error) {
	removed := 0
	var resume []byte

	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		done := false
		n := 0

		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(name)
			c := b.Cursor()

			var k, v []byte
			if resume == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(resume)
				if k != nil && bytes.Equal(k, resume) {
					k, v = c.Next()
				}
			}

			var victims [][]byte

			for scanned := 0; k != nil && scanned < cleanupBatchSize; k, v = c.Next() {
				scanned++
				resume = append(resume[:0], k...)

				dead, err := fn(tx, k, v)
				if err != nil {
					s.logger.Warn("skipping undecodable entry",
						slog.String("bucket", string(name)),
						slog.String("error", err.Error()),
					)

					continue
				}

				if dead {
					victims = append(victims, append([]byte(nil), k...))
				}
			}

			done = k == nil

			for _, key := range victims {
				if err := b.Delete(key); err != nil {
					return err
				}
			}

			n = len(victims)

			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("sweeping %s: %w", name, err)
		}

		removed += n

		if done {
			return removed, nil
		}
	}
}
