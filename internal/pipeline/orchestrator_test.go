package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/video-publisher/internal/db"
	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/idempotency"
	"github.com/jonathan/video-publisher/internal/labels"
	"github.com/jonathan/video-publisher/internal/types"
)

type fakeStore struct {
	mu          sync.Mutex
	downloadErr []error
	downloads   int
	uploads     []string
}

func (s *fakeStore) Download(_ context.Context, _, _, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads++
	if len(s.downloadErr) > 0 {
		err := s.downloadErr[0]
		s.downloadErr = s.downloadErr[1:]
		if err != nil {
			return err
		}
	}
	return os.WriteFile(dst, []byte("original"), 0o644)
}

func (s *fakeStore) Upload(_ context.Context, bucket, key, src, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(src); err != nil {
		return err
	}
	s.uploads = append(s.uploads, bucket+"/"+key)
	return nil
}

func (s *fakeStore) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + bucket + "/" + key + "?ttl=" + strconv.Itoa(int(ttl.Seconds())), nil
}

func (s *fakeStore) PublicURL(bucket, key string) string {
	return "https://public.example/" + bucket + "/" + key
}

func (s *fakeStore) URI(bucket, key string) string {
	return "gs://" + bucket + "/" + key
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	scratch string
	// delays are consumed one per Watermark call.
	delays []time.Duration
}

func (m *fakeMedia) Watermark(_ context.Context, src, _, out string) error {
	m.mu.Lock()
	m.scratch = filepath.Dir(src)
	var delay time.Duration
	if len(m.delays) > 0 {
		delay, m.delays = m.delays[0], m.delays[1:]
	}
	err := m.err
	m.mu.Unlock()

	time.Sleep(delay)
	if err != nil {
		return err
	}
	return os.WriteFile(out, []byte("watermarked"), 0o644)
}

func (m *fakeMedia) Probe(context.Context, string) (float64, error) {
	return 12.5, nil
}

type fakeLabels struct {
	mu     sync.Mutex
	result labels.Result
	uri    string
}

func (l *fakeLabels) ExtractTags(_ context.Context, uri string) labels.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uri = uri
	return l.result
}

// fakePlatform is both the listing finder and the publisher.
type fakePlatform struct {
	mu        sync.Mutex
	listings  []types.RemoteListing
	products  []types.VideoProduct
	findErr   error
	createErr error
	attachErr error
	creates   atomic.Int32
	attaches  atomic.Int32
	delay     time.Duration
}

func (p *fakePlatform) FindByTitle(_ context.Context, title string) ([]types.RemoteListing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findErr != nil {
		return nil, p.findErr
	}
	var out []types.RemoteListing
	for _, l := range p.listings {
		if l.Title == title {
			out = append(out, l)
		}
	}
	return out, nil
}

func (p *fakePlatform) CreateDraftListing(_ context.Context, product types.VideoProduct) (*types.RemoteListing, error) {
	p.creates.Add(1)
	time.Sleep(p.delay)
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l := types.RemoteListing{ID: strconv.Itoa(8000 + len(p.listings)), Title: product.Title, Status: "draft"}
	p.listings = append(p.listings, l)
	p.products = append(p.products, product)
	return &l, nil
}

func (p *fakePlatform) AttachVideo(_ context.Context, listingID, signedURL string) (*types.MediaAttachment, error) {
	p.attaches.Add(1)
	if p.attachErr != nil {
		return nil, p.attachErr
	}
	return &types.MediaAttachment{ListingID: listingID, SourceURL: signedURL, MediaType: types.MediaTypeVideo}, nil
}

type harness struct {
	db       *db.DB
	store    *fakeStore
	media    *fakeMedia
	labels   *fakeLabels
	platform *fakePlatform
	claims   *db.ClaimStore
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.Connect(ctx, db.DialectSQLite, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(ctx))

	return &harness{
		db:       database,
		store:    &fakeStore{},
		media:    &fakeMedia{},
		labels:   &fakeLabels{result: labels.Result{Tags: []string{"beach", "sunset"}}},
		platform: &fakePlatform{},
		claims:   database.Claims(time.Minute),
		settings: Settings{
			ProcessedBucket: "processed",
			WatermarkPath:   "/assets/watermark.png",
			ScratchDir:      t.TempDir(),
			SignedURLTTL:    time.Hour,
			Price:           "500.00",
			RetryFailed:     true,
			RetryBaseDelay:  time.Millisecond,
			ClaimTTL:        time.Minute,
		},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return h.orchestratorWith(t, nil)
}

// orchestratorWith builds an Orchestrator after letting mutate swap collaborators.
func (h *harness) orchestratorWith(t *testing.T, mutate func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Recorder:  h.db,
		Claimer:   h.claims,
		Guard:     idempotency.NewGuard(h.platform, nil),
		Store:     h.store,
		Media:     h.media,
		Labels:    h.labels,
		Publisher: h.platform,
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(deps, h.settings)
	require.NoError(t, err)
	return o
}

// stolenClaimer grants claims but reports every renewal as lost.
type stolenClaimer struct {
	idempotency.Claimer
}

func (stolenClaimer) Renew(_ context.Context, key, _ string) error {
	return fmt.Errorf("renew %s: %w", key, types.ErrClaimLost)
}

type failingGuard struct {
	err error
}

func (g failingGuard) AlreadyPublished(context.Context, string) (bool, *types.RemoteListing, error) {
	return false, nil, g.err
}

func waitForStatus(t *testing.T, h *harness, status types.Status) *types.ProcessingRecord {
	t.Helper()
	var rec *types.ProcessingRecord
	require.Eventually(t, func() bool {
		got, err := h.db.Get(context.Background(), clip.Key())
		if err != nil || got == nil || got.Status != status {
			return false
		}
		rec = got
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

var clip = types.SourceObject{Bucket: "originals", Name: "clip.mp4"}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	var stages []types.Stage
	rec, err := o.Run(context.Background(), clip, RunOptions{
		OnProgress: func(e ProgressEvent) { stages = append(stages, e.Stage) },
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, types.StageComplete, rec.Stage)
	assert.Equal(t, "8000", rec.ListingID)
	assert.Equal(t, "Video Clip - clip.mp4", rec.Title)
	assert.Equal(t, "gs://processed/clip.mp4", rec.ProcessedURL)
	assert.Equal(t, "https://public.example/processed/clip.mp4", rec.PreviewURL)
	assert.Equal(t, []string{"beach", "sunset"}, rec.Tags)
	assert.False(t, rec.TagsSynthetic)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.ErrorMessage)

	require.Len(t, h.platform.products, 1)
	product := h.platform.products[0]
	assert.Equal(t, "500.00", product.Price)
	assert.Equal(t, "https://signed.example/processed/clip.mp4?ttl=3600", product.MainURL)
	assert.Equal(t, "https://public.example/processed/clip.mp4", product.PreviewURL)
	assert.Equal(t, "clip.mp4", product.OriginalFilename)
	assert.NotEmpty(t, product.Description)

	// labels run on the original, not the rendition
	assert.Equal(t, "gs://originals/clip.mp4", h.labels.uri)
	assert.Equal(t, []string{"processed/clip.mp4"}, h.store.uploads)
	assert.Equal(t, int32(1), h.platform.attaches.Load())

	assert.Equal(t, types.StageIdempotencyCheck, stages[0])
	assert.Equal(t, types.StageComplete, stages[len(stages)-1])

	_, err = os.Stat(h.media.scratch)
	assert.True(t, os.IsNotExist(err), "scratch dir should be removed")
}

func TestRun_ReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	first, err := o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)

	// Searches would fail now; a replay must not even ask.
	h.platform.findErr = failure.Transient("search down", nil)
	second, err := o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.platform.creates.Load())
	assert.Equal(t, 1, h.store.downloads)
	assert.Equal(t, first.ListingID, second.ListingID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestRun_ReprocessNeverRepublishes(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	_, err := o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)

	rec, err := o.Run(ctx, clip, RunOptions{Reprocess: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, int32(1), h.platform.creates.Load())
}

func TestRun_GuardFindsExistingListing(t *testing.T) {
	h := newHarness(t)
	h.platform.listings = []types.RemoteListing{{ID: "77", Title: "Video Clip - clip.mp4"}}
	o := h.orchestrator(t)

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, "77", rec.ListingID)
	assert.Equal(t, int32(0), h.platform.creates.Load())
	assert.Equal(t, 0, h.store.downloads)
	assert.Empty(t, h.store.uploads)
}

func TestRun_SearchFailureNeverCreates(t *testing.T) {
	h := newHarness(t)
	h.platform.findErr = failure.Transient("search timed out", nil)
	o := h.orchestrator(t)

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindTransientNetwork))

	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.StageIdempotencyCheck, rec.Stage)
	assert.Contains(t, rec.ErrorMessage, "search timed out")
	assert.Equal(t, int32(0), h.platform.creates.Load())
	assert.Equal(t, 0, h.store.downloads)
}

func TestRun_AttachFailureIsPartialSuccess(t *testing.T) {
	h := newHarness(t)
	h.platform.attachErr = failure.Transient("media endpoint timed out", nil)
	o := h.orchestrator(t)
	ctx := context.Background()

	rec, err := o.Run(ctx, clip, RunOptions{})
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindPartialSuccess))

	assert.Equal(t, types.StatusPartialSuccess, rec.Status)
	assert.Equal(t, types.StageAttachMedia, rec.Stage)
	assert.Equal(t, "8000", rec.ListingID)
	assert.Contains(t, rec.ErrorMessage, "media endpoint timed out")

	// partial success is terminal; a replay does nothing
	_, err = o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.platform.creates.Load())
	assert.Equal(t, int32(1), h.platform.attaches.Load())
}

func TestRun_LabelFailureUsesFallbackTags(t *testing.T) {
	h := newHarness(t)
	h.labels.result = labels.Result{
		Tags:      []string{"uncategorized", "video"},
		Synthetic: true,
		Err:       errors.New("deadline exceeded"),
	}
	o := h.orchestrator(t)

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, []string{"uncategorized", "video"}, rec.Tags)
	assert.True(t, rec.TagsSynthetic)
	assert.Equal(t, []string{"uncategorized", "video"}, h.platform.products[0].Tags)
}

func TestRun_WatermarkFailure(t *testing.T) {
	h := newHarness(t)
	h.media.err = failure.Processing("ffmpeg exited with status 1", nil)
	o := h.orchestrator(t)
	ctx := context.Background()

	rec, err := o.Run(ctx, clip, RunOptions{})
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindProcessing))

	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.StageWatermark, rec.Stage)
	assert.Contains(t, rec.ErrorMessage, "ffmpeg exited with status 1")
	assert.Empty(t, h.store.uploads)
	assert.Equal(t, int32(0), h.platform.creates.Load())

	_, statErr := os.Stat(h.media.scratch)
	assert.True(t, os.IsNotExist(statErr), "scratch dir should be removed")

	// the claim was released so a retry can proceed
	h.media.err = nil
	rec, err = o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRun_FailedNotRetriedWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.settings.RetryFailed = false
	h.media.err = failure.Processing("bad input", nil)
	o := h.orchestrator(t)
	ctx := context.Background()

	_, err := o.Run(ctx, clip, RunOptions{})
	require.Error(t, err)

	h.media.err = nil
	rec, err := o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, 1, h.store.downloads)

	rec, err = o.Run(ctx, clip, RunOptions{Reprocess: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
}

func TestRun_DownloadRetriesTransient(t *testing.T) {
	h := newHarness(t)
	h.store.downloadErr = []error{failure.Transient("reset", nil), nil}
	o := h.orchestrator(t)

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, 2, h.store.downloads)
}

func TestRun_DownloadValidationNotRetried(t *testing.T) {
	h := newHarness(t)
	h.store.downloadErr = []error{failure.Validation("object not found", nil)}
	o := h.orchestrator(t)

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, types.StageDownload, rec.Stage)
	assert.Equal(t, 1, h.store.downloads)
}

func TestRun_CreateValidationFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.platform.createErr = failure.Validation("price is invalid", nil)
	o := h.orchestrator(t)
	ctx := context.Background()

	rec, err := o.Run(ctx, clip, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, types.StageCreateListing, rec.Stage)

	ok, err := h.claims.Claim(ctx, clip.Key(), "someone-else")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_AmbiguousCreateKeepsClaim(t *testing.T) {
	h := newHarness(t)
	h.platform.createErr = failure.Transient("timeout", nil)
	o := h.orchestrator(t)
	ctx := context.Background()

	rec, err := o.Run(ctx, clip, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.StageCreateListing, rec.Stage)

	ok, err := h.claims.Claim(ctx, clip.Key(), "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_ClaimHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ok, err := h.claims.Claim(ctx, clip.Key(), "other-run")
	require.NoError(t, err)
	require.True(t, ok)

	o := h.orchestrator(t)
	rec, err := o.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, 0, h.store.downloads)

	stored, err := h.db.Get(ctx, clip.Key())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRun_ConcurrentTriggersCreateOnce(t *testing.T) {
	h := newHarness(t)
	h.platform.delay = 20 * time.Millisecond
	first := h.orchestrator(t)
	second := h.orchestrator(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		o := first
		if i%2 == 1 {
			o = second
		}
		go func() {
			defer wg.Done()
			_, _ = o.Run(context.Background(), clip, RunOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.platform.creates.Load())
	rec, err := h.db.Get(context.Background(), clip.Key())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
}

func TestRun_SlowRunKeepsClaimPastTTL(t *testing.T) {
	h := newHarness(t)
	h.claims = h.db.Claims(100 * time.Millisecond)
	h.settings.ClaimTTL = 100 * time.Millisecond
	h.media.delays = []time.Duration{500 * time.Millisecond}
	slow := h.orchestrator(t)
	redelivered := h.orchestrator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var slowRec *types.ProcessingRecord
	var slowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		slowRec, slowErr = slow.Run(ctx, clip, RunOptions{})
	}()

	// well past the lease TTL, while the first run is still watermarking
	waitForStatus(t, h, types.StatusRunning)
	time.Sleep(250 * time.Millisecond)
	rec, err := redelivered.Run(ctx, clip, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)

	wg.Wait()
	require.NoError(t, slowErr)
	assert.Equal(t, types.StatusSuccess, slowRec.Status)
	assert.Equal(t, int32(1), h.platform.creates.Load())
	assert.Len(t, h.platform.listings, 1)
}

func TestRun_LostClaimNeverCreates(t *testing.T) {
	h := newHarness(t)
	o := h.orchestratorWith(t, func(d *Deps) { d.Claimer = stolenClaimer{h.claims} })

	rec, err := o.Run(context.Background(), clip, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrClaimLost))
	assert.True(t, failure.Retryable(err))
	assert.Equal(t, int32(0), h.platform.creates.Load())

	// the record is left for the run that now owns the key
	assert.Equal(t, types.StatusRunning, rec.Status)
}

func TestRun_DuplicateFailureLeavesLiveRecord(t *testing.T) {
	h := newHarness(t)
	h.media.delays = []time.Duration{300 * time.Millisecond}
	owner := h.orchestrator(t)
	duplicate := h.orchestratorWith(t, func(d *Deps) {
		d.Guard = failingGuard{err: failure.Transient("search timed out", nil)}
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = owner.Run(ctx, clip, RunOptions{})
	}()
	live := waitForStatus(t, h, types.StatusRunning)

	rec, err := duplicate.Run(ctx, clip, RunOptions{})
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindTransientNetwork))
	assert.Equal(t, types.StatusRunning, rec.Status)

	stored, err := h.db.Get(ctx, clip.Key())
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
	assert.Equal(t, live.RunID, stored.RunID)

	wg.Wait()
	final, err := h.db.Get(ctx, clip.Key())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, live.RunID, final.RunID)
	assert.Empty(t, final.ErrorMessage)
}

func TestRun_RejectsIncompleteSource(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), types.SourceObject{Bucket: "originals"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindValidation))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Settings{ProcessedBucket: "processed"})
	assert.Error(t, err)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retry(ctx, 5, time.Hour, func() error {
		calls++
		return failure.Transient("down", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
