// Package pipeline provides the high-level orchestration for publishing a
// stored video as a draft listing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jonathan/video-publisher/internal/blob"
	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/idempotency"
	"github.com/jonathan/video-publisher/internal/labels"
	"github.com/jonathan/video-publisher/internal/llm"
	"github.com/jonathan/video-publisher/internal/types"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	SourceKey string      `json:"source_key"`
	Stage     types.Stage `json:"stage"`
	Message   string      `json:"message"`
	RunID     string      `json:"run_id,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// RunOptions holds per-run settings
type RunOptions struct {
	// Reprocess lets a FAILED record run again regardless of the retry policy.
	// Published records are never re-published.
	Reprocess  bool
	OnProgress ProgressCallback
}

// Recorder persists processing records.
type Recorder interface {
	Get(ctx context.Context, key string) (*types.ProcessingRecord, error)
	Upsert(ctx context.Context, key string, u types.RecordUpdate) error
}

// Guard looks for an existing listing before any side effect.
type Guard interface {
	AlreadyPublished(ctx context.Context, title string) (bool, *types.RemoteListing, error)
}

// Transformer produces the watermarked rendition.
type Transformer interface {
	Watermark(ctx context.Context, src, watermarkPath, out string) error
	Probe(ctx context.Context, path string) (float64, error)
}

// LabelExtractor derives tags. It never fails.
type LabelExtractor interface {
	ExtractTags(ctx context.Context, uri string) labels.Result
}

// Publisher creates listings and attaches media.
type Publisher interface {
	CreateDraftListing(ctx context.Context, p types.VideoProduct) (*types.RemoteListing, error)
	AttachVideo(ctx context.Context, listingID, signedURL string) (*types.MediaAttachment, error)
}

// Settings are the static parameters of an Orchestrator.
type Settings struct {
	ProcessedBucket string
	WatermarkPath   string
	// ScratchDir is the parent of per-run scratch directories; empty uses os.TempDir.
	ScratchDir   string
	SignedURLTTL time.Duration
	// Price is the decimal string used for every variant.
	Price string
	// RetryFailed lets a new trigger re-run a FAILED record.
	RetryFailed bool
	// DownloadAttempts bounds download retries on transient errors.
	DownloadAttempts int
	RetryBaseDelay   time.Duration
	// ClaimTTL is the claimer's lease length. A held claim is renewed
	// every third of it.
	ClaimTTL time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Recorder   Recorder
	Claimer    idempotency.Claimer
	Guard      Guard
	Store      blob.Store
	Media      Transformer
	Labels     LabelExtractor
	Publisher  Publisher
	Copywriter llm.Copywriter
	Logger     *zap.Logger
}

// Orchestrator runs the publish pipeline for one source object at a time
// per key.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *zap.Logger
	flights  singleflight.Group
	newRunID func() string
}

// New creates an Orchestrator.
func New(deps Deps, settings Settings) (*Orchestrator, error) {
	switch {
	case deps.Recorder == nil:
		return nil, errors.New("pipeline: recorder is required")
	case deps.Claimer == nil:
		return nil, errors.New("pipeline: claimer is required")
	case deps.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: blob store is required")
	case deps.Media == nil:
		return nil, errors.New("pipeline: media transformer is required")
	case deps.Labels == nil:
		return nil, errors.New("pipeline: label extractor is required")
	case deps.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	}
	if settings.ProcessedBucket == "" {
		return nil, errors.New("pipeline: processed bucket is required")
	}
	if deps.Copywriter == nil {
		deps.Copywriter = llm.TemplateCopywriter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.SignedURLTTL <= 0 {
		settings.SignedURLTTL = time.Hour
	}
	if settings.DownloadAttempts <= 0 {
		settings.DownloadAttempts = 3
	}
	if settings.RetryBaseDelay <= 0 {
		settings.RetryBaseDelay = time.Second
	}
	if settings.ClaimTTL <= 0 {
		settings.ClaimTTL = 30 * time.Minute
	}
	return &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   logger,
		newRunID: func() string { return uuid.NewString() },
	}, nil
}

type flightResult struct {
	record *types.ProcessingRecord
	err    error
}

// Run processes obj. Concurrent calls for the same key in this process
// share a single execution. The returned record reflects the persisted
// state; the error is non-nil for FAILED and PARTIAL_SUCCESS outcomes.
func (o *Orchestrator) Run(ctx context.Context, obj types.SourceObject, opts RunOptions) (*types.ProcessingRecord, error) {
	if obj.Name == "" || obj.Bucket == "" {
		return nil, failure.Validation("source object requires bucket and name", nil)
	}
	flightKey := obj.Key()
	if opts.Reprocess {
		flightKey = "reprocess:" + flightKey
	}
	v, _, _ := o.flights.Do(flightKey, func() (any, error) {
		rec, err := o.run(ctx, obj, opts)
		return flightResult{record: rec, err: err}, nil
	})
	res := v.(flightResult)
	return res.record, res.err
}

// run is one execution of the pipeline.
type run struct {
	o       *Orchestrator
	obj     types.SourceObject
	opts    RunOptions
	id      string
	title   string
	logger  *zap.Logger
	claimed bool
	// keepClaim is set once a listing may exist remotely.
	keepClaim bool
	// lost is set once another run has taken the claim over.
	lost atomic.Bool
}

func (o *Orchestrator) run(ctx context.Context, obj types.SourceObject, opts RunOptions) (*types.ProcessingRecord, error) {
	key := obj.Key()
	r := &run{
		o:     o,
		obj:   obj,
		opts:  opts,
		id:    o.newRunID(),
		title: types.DeriveTitle(obj.Name),
	}
	r.logger = o.logger.With(zap.String("source_key", key), zap.String("run_id", r.id))

	existing, err := o.deps.Recorder.Get(ctx, key)
	if err != nil {
		return nil, failure.WithStage(failure.Transient("failed to read processing record", err), types.StageIdempotencyCheck)
	}
	if existing != nil {
		if existing.Status.Published() {
			r.logger.Info("source already published, skipping", zap.String("listing_id", existing.ListingID))
			return existing, nil
		}
		if existing.Status == types.StatusFailed && !o.settings.RetryFailed && !opts.Reprocess {
			r.logger.Info("source previously failed and retries are disabled")
			return existing, nil
		}
	}

	r.emit(types.StageIdempotencyCheck, "searching for an existing listing")
	found, listing, err := o.deps.Guard.AlreadyPublished(ctx, r.title)
	if err != nil {
		return r.fail(ctx, types.StageIdempotencyCheck, err)
	}
	if found {
		return r.reconcile(ctx, existing, listing)
	}

	r.emit(types.StageClaim, "claiming source key")
	acquired, err := o.deps.Claimer.Claim(ctx, key, r.id)
	if err != nil {
		return r.fail(ctx, types.StageClaim, failure.Transient("failed to claim source key", err))
	}
	if !acquired {
		r.logger.Info("source key is claimed by another run")
		return r.current(ctx, existing), nil
	}
	r.claimed = true
	defer r.releaseClaim()

	ctx, stopHeartbeat := r.heartbeat(ctx)
	defer stopHeartbeat()

	running := types.RecordUpdate{
		Bucket:            types.Ptr(obj.Bucket),
		Status:            types.Ptr(types.StatusRunning),
		Stage:             types.Ptr(types.StageDownload),
		ErrorMessage:      types.Ptr(""),
		Title:             types.Ptr(r.title),
		RunID:             types.Ptr(r.id),
		IncrementAttempts: true,
		Reprocess:         existing != nil && existing.Status == types.StatusFailed,
	}
	if err := o.deps.Recorder.Upsert(ctx, key, running); err != nil {
		if errors.Is(err, types.ErrTerminalRecord) {
			r.logger.Info("record became terminal before this run started")
			return r.current(ctx, existing), nil
		}
		return r.fail(ctx, types.StageClaim, failure.Transient("failed to write running record", err))
	}

	return r.process(ctx)
}

func (r *run) process(ctx context.Context) (*types.ProcessingRecord, error) {
	o := r.o
	key := r.obj.Key()

	scratch, err := os.MkdirTemp(o.settings.ScratchDir, "video-publisher-")
	if err != nil {
		return r.fail(ctx, types.StageDownload, failure.Processing("failed to create scratch directory", err))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.Warn("failed to remove scratch directory", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	ext := path.Ext(r.obj.Name)
	if ext == "" {
		ext = ".mp4"
	}
	srcPath := filepath.Join(scratch, "original"+ext)
	outPath := filepath.Join(scratch, "watermarked"+ext)

	r.emit(types.StageDownload, "downloading original")
	err = retry(ctx, o.settings.DownloadAttempts, o.settings.RetryBaseDelay, func() error {
		return o.deps.Store.Download(ctx, r.obj.Bucket, key, srcPath)
	})
	if err != nil {
		return r.fail(ctx, types.StageDownload, err)
	}

	if duration, err := o.deps.Media.Probe(ctx, srcPath); err != nil {
		r.logger.Warn("failed to read source metadata", zap.Error(err))
	} else {
		r.logger.Info("source downloaded", zap.Float64("duration_seconds", duration))
	}

	r.emit(types.StageWatermark, "applying watermark")
	if err := o.deps.Media.Watermark(ctx, srcPath, o.settings.WatermarkPath, outPath); err != nil {
		return r.fail(ctx, types.StageWatermark, err)
	}

	r.emit(types.StageUpload, "uploading processed rendition")
	if err := o.deps.Store.Upload(ctx, o.settings.ProcessedBucket, key, outPath, blob.ContentType(key)); err != nil {
		return r.fail(ctx, types.StageUpload, err)
	}
	processedURI := o.deps.Store.URI(o.settings.ProcessedBucket, key)
	previewURL := o.deps.Store.PublicURL(o.settings.ProcessedBucket, key)

	r.emit(types.StageSignURL, "signing main URL")
	signedURL, err := o.deps.Store.SignedURL(ctx, o.settings.ProcessedBucket, key, o.settings.SignedURLTTL)
	if err != nil {
		return r.fail(ctx, types.StageSignURL, err)
	}
	r.progress(ctx, types.RecordUpdate{
		Stage:        types.Ptr(types.StageLabels),
		ProcessedURL: types.Ptr(processedURI),
		PreviewURL:   types.Ptr(previewURL),
	})

	r.emit(types.StageLabels, "extracting labels")
	labelled := o.deps.Labels.ExtractTags(ctx, o.deps.Store.URI(r.obj.Bucket, key))
	if labelled.Synthetic {
		r.logger.Warn("using fallback tags", zap.Error(labelled.Err))
	}
	r.progress(ctx, types.RecordUpdate{
		Stage:         types.Ptr(types.StageCreateListing),
		Tags:          labelled.Tags,
		TagsSynthetic: types.Ptr(labelled.Synthetic),
	})

	product := types.VideoProduct{
		Title: r.title,
		Description: o.deps.Copywriter.Describe(ctx, llm.CopyInput{
			Title:            r.title,
			OriginalFilename: r.obj.Name,
			Tags:             labelled.Tags,
			TagsSynthetic:    labelled.Synthetic,
		}),
		Price:            o.settings.Price,
		Tags:             labelled.Tags,
		PreviewURL:       previewURL,
		MainURL:          signedURL,
		OriginalFilename: r.obj.Name,
	}

	// The lease may have lapsed during a long stage; never create without it.
	if err := r.renewClaim(ctx); err != nil {
		return r.fail(ctx, types.StageCreateListing, failure.Transient("failed to confirm publish claim", err))
	}

	r.emit(types.StageCreateListing, "creating draft listing")
	listing, err := o.deps.Publisher.CreateDraftListing(ctx, product)
	if err != nil {
		// A transient failure may still have created the listing.
		if failure.Retryable(err) {
			r.keepClaim = true
		}
		return r.fail(ctx, types.StageCreateListing, err)
	}
	r.keepClaim = true
	if err := o.deps.Claimer.Commit(ctx, key, r.id); err != nil {
		r.logger.Error("failed to commit claim after listing was created",
			zap.String("listing_id", listing.ID), zap.Error(err))
	}
	r.logger.Info("draft listing created", zap.String("listing_id", listing.ID))
	r.progress(ctx, types.RecordUpdate{
		Stage:     types.Ptr(types.StageAttachMedia),
		ListingID: types.Ptr(listing.ID),
	})

	r.emit(types.StageAttachMedia, "attaching video")
	if _, err := o.deps.Publisher.AttachVideo(ctx, listing.ID, signedURL); err != nil {
		r.logger.Warn("listing created without media", zap.String("listing_id", listing.ID), zap.Error(err))
		rec := r.finish(ctx, types.RecordUpdate{
			Status:       types.Ptr(types.StatusPartialSuccess),
			Stage:        types.Ptr(types.StageAttachMedia),
			ErrorMessage: types.Ptr(err.Error()),
		})
		return rec, &failure.Error{
			Kind:    failure.KindPartialSuccess,
			Stage:   types.StageAttachMedia,
			Message: fmt.Sprintf("listing %s created without media", listing.ID),
			Cause:   err,
		}
	}

	r.emit(types.StageComplete, "published")
	rec := r.finish(ctx, types.RecordUpdate{
		Status:       types.Ptr(types.StatusSuccess),
		Stage:        types.Ptr(types.StageComplete),
		ErrorMessage: types.Ptr(""),
	})
	return rec, nil
}

// reconcile records a listing found by the guard without creating another.
func (r *run) reconcile(ctx context.Context, existing *types.ProcessingRecord, listing *types.RemoteListing) (*types.ProcessingRecord, error) {
	r.logger.Info("listing already exists, skipping", zap.String("listing_id", listing.ID))
	if existing != nil && existing.Status.Published() {
		return existing, nil
	}
	rec := r.finish(ctx, types.RecordUpdate{
		Bucket:       types.Ptr(r.obj.Bucket),
		Status:       types.Ptr(types.StatusSuccess),
		Stage:        types.Ptr(types.StageIdempotencyCheck),
		ErrorMessage: types.Ptr(""),
		Title:        types.Ptr(r.title),
		ListingID:    types.Ptr(listing.ID),
		RunID:        types.Ptr(r.id),
	})
	return rec, nil
}

// fail writes the single FAILED record for this run and returns the
// classified error. A run that does not own the key leaves the record to
// the run that does.
func (r *run) fail(ctx context.Context, stage types.Stage, err error) (*types.ProcessingRecord, error) {
	if r.lost.Load() {
		err = failure.Transient("publish claim taken over by another run", types.ErrClaimLost)
	}
	classified := failure.WithStage(err, stage)
	r.logger.Error("pipeline failed", zap.String("stage", string(stage)),
		zap.String("kind", string(classified.Kind)), zap.Error(err))

	if r.lost.Load() {
		return r.current(ctx, nil), classified
	}
	if !r.claimed {
		if cur := r.current(ctx, nil); cur.Status == types.StatusRunning {
			r.logger.Info("another run is in progress, leaving its record")
			return cur, classified
		}
	}

	rec := r.finish(ctx, types.RecordUpdate{
		Bucket:       types.Ptr(r.obj.Bucket),
		Status:       types.Ptr(types.StatusFailed),
		Stage:        types.Ptr(stage),
		ErrorMessage: types.Ptr(classified.Error()),
		Title:        types.Ptr(r.title),
		RunID:        types.Ptr(r.id),
	})
	if rec.Status.Published() {
		// Another run published while this one failed; the stored outcome wins.
		return rec, nil
	}
	return rec, classified
}

// finish writes a terminal update and returns the stored record.
func (r *run) finish(ctx context.Context, u types.RecordUpdate) *types.ProcessingRecord {
	key := r.obj.Key()
	// The terminal write must land even when the trigger context is gone.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.o.deps.Recorder.Upsert(wctx, key, u); err != nil {
		if errors.Is(err, types.ErrTerminalRecord) {
			r.logger.Info("record already published, keeping stored outcome")
		} else {
			r.logger.Error("failed to write terminal record", zap.Error(err))
		}
	}
	rec, err := r.o.deps.Recorder.Get(wctx, key)
	if err != nil || rec == nil {
		if err != nil {
			r.logger.Error("failed to read back record", zap.Error(err))
		}
		return r.synthesize(u)
	}
	return rec
}

// progress writes a non-terminal checkpoint. Failures are logged only.
func (r *run) progress(ctx context.Context, u types.RecordUpdate) {
	if err := r.o.deps.Recorder.Upsert(ctx, r.obj.Key(), u); err != nil {
		r.logger.Warn("failed to write progress", zap.Error(err))
	}
}

// current returns the stored record, or a PENDING placeholder when none exists.
func (r *run) current(ctx context.Context, fallback *types.ProcessingRecord) *types.ProcessingRecord {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rec, err := r.o.deps.Recorder.Get(ctx, r.obj.Key())
	if err == nil && rec != nil {
		return rec
	}
	if fallback != nil {
		return fallback
	}
	return &types.ProcessingRecord{
		SourceKey: r.obj.Key(),
		Bucket:    r.obj.Bucket,
		Status:    types.StatusPending,
		Title:     r.title,
	}
}

// synthesize builds an in-memory record from an update that could not be read back.
func (r *run) synthesize(u types.RecordUpdate) *types.ProcessingRecord {
	rec := &types.ProcessingRecord{
		SourceKey: r.obj.Key(),
		Bucket:    r.obj.Bucket,
		Title:     r.title,
		RunID:     r.id,
		Tags:      u.Tags,
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Stage != nil {
		rec.Stage = *u.Stage
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.ListingID != nil {
		rec.ListingID = *u.ListingID
	}
	return rec
}

// heartbeat renews the claim lease until the returned stop function is
// called. Losing the claim cancels the returned context.
func (r *run) heartbeat(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.o.settings.ClaimTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.renewClaim(ctx); errors.Is(err, types.ErrClaimLost) {
					cancel(err)
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// renewClaim extends the lease. Errors other than a lost claim are logged
// and returned; the next renewal may still succeed.
func (r *run) renewClaim(ctx context.Context) error {
	err := r.o.deps.Claimer.Renew(ctx, r.obj.Key(), r.id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrClaimLost):
		if !r.lost.Swap(true) {
			r.logger.Warn("publish claim lost to another run")
		}
	default:
		r.logger.Warn("failed to renew publish claim", zap.Error(err))
	}
	return err
}

func (r *run) releaseClaim() {
	if !r.claimed || r.keepClaim {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.o.deps.Claimer.Release(ctx, r.obj.Key(), r.id); err != nil {
		r.logger.Warn("failed to release claim", zap.Error(err))
	}
}

// emit calls the progress callback if configured
func (r *run) emit(stage types.Stage, message string) {
	r.logger.Debug(message, zap.String("stage", string(stage)))
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(ProgressEvent{
			SourceKey: r.obj.Key(),
			Stage:     stage,
			Message:   message,
			RunID:     r.id,
		})
	}
}
