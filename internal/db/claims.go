package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/video-publisher/internal/types"
)

// ErrClaimLost is returned when the caller no longer owns a claim.
var ErrClaimLost = types.ErrClaimLost

// ClaimStore implements publish claims on the publish_claims table. A claim
// is a lease: once claimed_at is older than the TTL another owner may take
// it over, unless the claim was committed after a listing was created.
type ClaimStore struct {
	db  *DB
	ttl time.Duration
}

// Claims returns a ClaimStore with the given lease TTL.
func (db *DB) Claims(ttl time.Duration) *ClaimStore {
	return &ClaimStore{db: db, ttl: ttl}
}

const claimSQL = `INSERT INTO publish_claims (source_key, owner, claimed_at, committed)
VALUES (?, ?, ?, FALSE)
ON CONFLICT (source_key) DO UPDATE SET
	owner = excluded.owner,
	claimed_at = excluded.claimed_at
WHERE NOT publish_claims.committed
	AND (publish_claims.claimed_at < ? OR publish_claims.owner = excluded.owner)`

// Claim acquires the claim for key. It reports false when another owner
// holds a live or committed claim.
func (c *ClaimStore) Claim(ctx context.Context, key, owner string) (bool, error) {
	now := c.db.now()
	res, err := c.db.exec(ctx, claimSQL, key, owner, now, now.Add(-c.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return n == 1, nil
}

// Renew extends the lease held by owner. It returns ErrClaimLost once
// another owner has taken the claim over.
func (c *ClaimStore) Renew(ctx context.Context, key, owner string) error {
	res, err := c.db.exec(ctx,
		`UPDATE publish_claims SET claimed_at = ? WHERE source_key = ? AND owner = ?`, c.db.now(), key, owner)
	if err != nil {
		return fmt.Errorf("failed to renew claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew claim %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("renew claim %s: %w", key, ErrClaimLost)
	}
	return nil
}

// Commit makes the claim permanent.
func (c *ClaimStore) Commit(ctx context.Context, key, owner string) error {
	res, err := c.db.exec(ctx,
		`UPDATE publish_claims SET committed = TRUE WHERE source_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("failed to commit claim %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("commit claim %s: %w", key, ErrClaimLost)
	}
	return nil
}

// Release drops an uncommitted claim held by owner. Releasing a claim
// that is gone or held by someone else is not an error.
func (c *ClaimStore) Release(ctx context.Context, key, owner string) error {
	_, err := c.db.exec(ctx,
		`DELETE FROM publish_claims WHERE source_key = ? AND owner = ? AND NOT committed`, key, owner)
	if err != nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}
