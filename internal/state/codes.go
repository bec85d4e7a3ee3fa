package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alexjbarnes/authkeep/internal/auth"
	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/models"
	bolt "go.etcd.io/bbolt"
)

var _ auth.CodeStore = (*CodeStore)(nil)

// CodeStore persists authorization codes in the auth_codes bucket.
type CodeStore struct {
	s *State
}

// Store inserts a code, failing with ErrCodeCollision if it exists.
func (c *CodeStore) Store(_ context.Context, ac *models.AuthorizationCode) error {
	data, err := json.Marshal(ac)
	if err != nil {
		return err
	}

	return c.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		if b.Get([]byte(ac.Code)) != nil {
			return apperrors.ErrCodeCollision
		}

		return b.Put([]byte(ac.Code), data)
	})
}

// Consume reads and deletes a code in one write transaction. Expired
// codes are deleted and reported as missing.
func (c *CodeStore) Consume(_ context.Context, code string) (*models.AuthorizationCode, error) {
	var ac *models.AuthorizationCode

	err := c.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		v := b.Get([]byte(code))
		if v == nil {
			return nil
		}

		var decoded models.AuthorizationCode
		decodeErr := json.Unmarshal(v, &decoded)

		if err := b.Delete([]byte(code)); err != nil {
			return err
		}

		if decodeErr != nil {
			c.s.logger.Warn("dropping undecodable authorization code")
			return nil
		}

		if !decoded.Expired(time.Now()) {
			ac = &decoded
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ac, nil
}

// Cleanup removes expired codes in batches.
func (c *CodeStore) Cleanup(ctx context.Context) (int, error) {
	now := time.Now()

	return c.s.sweepBucket(ctx, codesBucket, func(_ *bolt.Tx, _, v []byte) (bool, error) {
		var ac models.AuthorizationCode
		if err := json.Unmarshal(v, &ac); err != nil {
			return false, err
		}
		return ac.Expired(now), nil
	})
}
