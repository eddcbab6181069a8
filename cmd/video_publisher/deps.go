package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/blob"
	"github.com/jonathan/video-publisher/internal/commerce"
	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/db"
	"github.com/jonathan/video-publisher/internal/idempotency"
	"github.com/jonathan/video-publisher/internal/labels"
	"github.com/jonathan/video-publisher/internal/llm"
	"github.com/jonathan/video-publisher/internal/media"
	"github.com/jonathan/video-publisher/internal/pipeline"
	"github.com/jonathan/video-publisher/internal/secrets"
)

// resolveConfig loads the config file and environment, applies flag
// overrides and validates the result for running the pipeline.
func resolveConfig(overrides config.Config) (*config.Config, error) {
	return loadMerged(overrides, (*config.Config).Validate)
}

// resolveStateConfig is resolveConfig for commands that only touch the
// state database.
func resolveStateConfig(overrides config.Config) (*config.Config, error) {
	return loadMerged(overrides, (*config.Config).ValidateState)
}

func loadMerged(overrides config.Config, validate func(*config.Config) error) (*config.Config, error) {
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	overrides.Verbose = overrides.Verbose || verbose
	merged := overrides.MergeWithDefaults(*loaded)
	if err := validate(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// newLogger returns a JSON production logger, or a console development
// logger when verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// app holds the wired collaborators for one process.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	db           *db.DB
	orchestrator *pipeline.Orchestrator
	closers      []func() error
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// openDB connects and migrates the state database.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := db.Connect(ctx, db.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// newApp opens the database only. Used by read-only commands.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}

	database, err := openDB(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = database
	a.onClose(database.Close)
	return a, nil
}

// newPipelineApp wires every collaborator the orchestrator needs.
func newPipelineApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.wirePipeline(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wirePipeline(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	provider, err := newSecrets(ctx, cfg)
	if err != nil {
		return err
	}
	token, err := provider.Get(ctx, cfg.ShopTokenSecret)
	if err != nil {
		return fmt.Errorf("failed to read commerce token: %w", err)
	}

	shop, err := commerce.NewClient(commerce.Options{
		ShopDomain:    cfg.ShopDomain,
		Token:         token,
		APIVersion:    cfg.ShopAPIVersion,
		CreateTimeout: cfg.CreateTimeout,
		AttachTimeout: cfg.AttachTimeout,
		SearchTimeout: cfg.SearchTimeout,
	}, logger.Named("commerce"))
	if err != nil {
		return err
	}

	store, err := a.newStore(ctx)
	if err != nil {
		return err
	}

	claimer, err := a.newClaimer(ctx)
	if err != nil {
		return err
	}

	labeler, err := a.newLabeler(ctx)
	if err != nil {
		return err
	}

	copywriter, err := a.newCopywriter(ctx)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(pipeline.Deps{
		Recorder: a.db,
		Claimer:  claimer,
		Guard:    idempotency.NewGuard(shop, logger.Named("guard")),
		Store:    store,
		Media: media.NewTransformer(media.Options{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			CRF:         cfg.VideoCRF,
			Preset:      cfg.VideoPreset,
			Timeout:     cfg.FFmpegTimeout,
		}, logger.Named("media")),
		Labels:     labeler,
		Publisher:  shop,
		Copywriter: copywriter,
		Logger:     logger.Named("pipeline"),
	}, pipeline.Settings{
		ProcessedBucket:  cfg.ProcessedBucket,
		WatermarkPath:    cfg.WatermarkPath,
		ScratchDir:       cfg.ScratchDir,
		SignedURLTTL:     cfg.SignedURLTTL,
		Price:            cfg.Price(),
		RetryFailed:      cfg.RetryFailed,
		ClaimTTL:         cfg.ClaimTTL,
		DownloadAttempts: cfg.DownloadAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
	})
	if err != nil {
		return err
	}
	a.orchestrator = orch
	return nil
}

func newSecrets(ctx context.Context, cfg *config.Config) (secrets.Provider, error) {
	switch cfg.SecretsBackend {
	case config.SecretsEnv:
		return secrets.NewEnvProvider(), nil
	default:
		return secrets.NewGCPProvider(ctx, cfg.ProjectID)
	}
}

func (a *app) newStore(ctx context.Context) (blob.Store, error) {
	cfg := a.cfg
	switch cfg.StorageBackend {
	case config.StorageMinIO:
		return blob.NewMinIOStore(blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Region:    cfg.MinIORegion,
		})
	default:
		gcs, err := blob.NewGCSStore(ctx)
		if err != nil {
			return nil, err
		}
		a.onClose(gcs.Close)
		return gcs, nil
	}
}

func (a *app) newClaimer(ctx context.Context) (idempotency.Claimer, error) {
	cfg := a.cfg
	if cfg.ClaimBackend != config.ClaimRedis {
		return a.db.Claims(cfg.ClaimTTL), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.onClose(client.Close)
	return idempotency.NewRedisClaimer(client, cfg.ClaimTTL), nil
}

func (a *app) newLabeler(ctx context.Context) (pipeline.LabelExtractor, error) {
	cfg := a.cfg
	if !cfg.LabelsEnabled {
		a.logger.Info("label detection disabled, using fallback tags")
		return labels.Disabled{}, nil
	}
	annotator, err := labels.NewGoogleAnnotator(ctx)
	if err != nil {
		return nil, err
	}
	return labels.NewExtractor(annotator, cfg.LabelTimeout, cfg.LabelPollInterval, a.logger.Named("labels")), nil
}

func (a *app) newCopywriter(ctx context.Context) (llm.Copywriter, error) {
	cfg := a.cfg
	if cfg.GeminiAPIKey == "" {
		return llm.TemplateCopywriter{}, nil
	}
	client, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(cfg.CopyModel), cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	a.onClose(client.Close)
	return llm.NewModelCopywriter(client, 0, a.logger.Named("copy")), nil
}

// errNoQueue is returned when a queue command runs without a broker URL.
var errNoQueue = errors.New("amqp_url is required (AMQP_URL)")
