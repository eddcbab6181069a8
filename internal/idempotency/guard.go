// Package idempotency keeps a source object from being published twice.
//
// Two layers cooperate: the Guard asks the commerce platform whether a
// listing with the derived title already exists, and a Claimer serializes
// concurrent runs for the same key so the search-then-create window is
// closed.
package idempotency

import (
	"context"

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/types"
)

// ListingFinder looks up listings by exact title.
type ListingFinder interface {
	FindByTitle(ctx context.Context, title string) ([]types.RemoteListing, error)
}

// Claimer grants one run at a time the right to publish a key.
type Claimer interface {
	// Claim reports whether owner now holds the claim for key.
	Claim(ctx context.Context, key, owner string) (bool, error)
	// Renew extends a held lease. It wraps types.ErrClaimLost when owner
	// no longer holds the claim.
	Renew(ctx context.Context, key, owner string) error
	// Commit makes the claim permanent once a listing exists.
	Commit(ctx context.Context, key, owner string) error
	// Release gives up an uncommitted claim.
	Release(ctx context.Context, key, owner string) error
}

// Guard checks the platform for an existing listing.
type Guard struct {
	finder ListingFinder
	logger *zap.Logger
}

// NewGuard creates a Guard.
func NewGuard(finder ListingFinder, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{finder: finder, logger: logger}
}

// AlreadyPublished reports whether a listing titled exactly title exists.
// Errors are returned as-is; callers must not treat an error as "absent".
func (g *Guard) AlreadyPublished(ctx context.Context, title string) (bool, *types.RemoteListing, error) {
	listings, err := g.finder.FindByTitle(ctx, title)
	if err != nil {
		return false, nil, err
	}
	for i := range listings {
		if listings[i].Title == title {
			if len(listings) > 1 {
				g.logger.Warn("multiple listings share a title",
					zap.String("title", title), zap.Int("count", len(listings)))
			}
			found := listings[i]
			return true, &found, nil
		}
	}
	return false, nil, nil
}
