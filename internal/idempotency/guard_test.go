package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/video-publisher/internal/types"
)

type stubFinder struct {
	listings []types.RemoteListing
	err      error
	titles   []string
}

func (s *stubFinder) FindByTitle(_ context.Context, title string) ([]types.RemoteListing, error) {
	s.titles = append(s.titles, title)
	return s.listings, s.err
}

func TestAlreadyPublished_Found(t *testing.T) {
	f := &stubFinder{listings: []types.RemoteListing{{ID: "1", Title: "Video Clip - a.mp4", Status: "draft"}}}
	g := NewGuard(f, nil)

	found, listing, err := g.AlreadyPublished(context.Background(), "Video Clip - a.mp4")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", listing.ID)
	assert.Equal(t, []string{"Video Clip - a.mp4"}, f.titles)
}

func TestAlreadyPublished_NotFound(t *testing.T) {
	g := NewGuard(&stubFinder{}, nil)

	found, listing, err := g.AlreadyPublished(context.Background(), "Video Clip - a.mp4")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, listing)
}

func TestAlreadyPublished_IgnoresNearMatches(t *testing.T) {
	f := &stubFinder{listings: []types.RemoteListing{{ID: "2", Title: "Video Clip - a.mp4 (1)"}}}
	g := NewGuard(f, nil)

	found, _, err := g.AlreadyPublished(context.Background(), "Video Clip - a.mp4")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAlreadyPublished_ErrorIsNotAbsence(t *testing.T) {
	g := NewGuard(&stubFinder{err: errors.New("503")}, nil)

	found, _, err := g.AlreadyPublished(context.Background(), "Video Clip - a.mp4")
	require.Error(t, err)
	assert.False(t, found)
}
