package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonathan/video-publisher/internal/types"
)

const recordColumns = `source_key, bucket, status, stage, error_message, title, processed_url,
	preview_url, tags, tags_synthetic, listing_id, run_id, attempts, created_at, updated_at`

const upsertRecordSQL = `INSERT INTO processing_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_key) DO UPDATE SET
	bucket = COALESCE(excluded.bucket, processing_records.bucket),
	status = COALESCE(?, processing_records.status),
	stage = COALESCE(excluded.stage, processing_records.stage),
	error_message = COALESCE(excluded.error_message, processing_records.error_message),
	title = COALESCE(excluded.title, processing_records.title),
	processed_url = COALESCE(excluded.processed_url, processing_records.processed_url),
	preview_url = COALESCE(excluded.preview_url, processing_records.preview_url),
	tags = COALESCE(excluded.tags, processing_records.tags),
	tags_synthetic = COALESCE(?, processing_records.tags_synthetic),
	listing_id = COALESCE(excluded.listing_id, processing_records.listing_id),
	run_id = COALESCE(excluded.run_id, processing_records.run_id),
	attempts = processing_records.attempts + ?,
	updated_at = excluded.updated_at
WHERE NOT (
	(? AND processing_records.status IN ('SUCCESS', 'PARTIAL_SUCCESS', 'FAILED'))
	OR (? AND processing_records.status IN ('SUCCESS', 'PARTIAL_SUCCESS'))
)`

// Upsert merges u into the record for key, creating it if needed. Nil
// fields keep their stored values. A non-terminal status never replaces
// a terminal one unless u.Reprocess is set, and FAILED never replaces a
// published status. Blocked updates write nothing and return
// types.ErrTerminalRecord.
func (db *DB) Upsert(ctx context.Context, key string, u types.RecordUpdate) error {
	var tagsJSON *string
	if u.Tags != nil {
		b, err := json.Marshal(u.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		s := string(b)
		tagsJSON = &s
	}

	var status *string
	insertStatus := string(types.StatusPending)
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
		insertStatus = s
	}
	var stage *string
	if u.Stage != nil {
		s := string(*u.Stage)
		stage = &s
	}
	insertSynthetic := false
	if u.TagsSynthetic != nil {
		insertSynthetic = *u.TagsSynthetic
	}
	increment := 0
	if u.IncrementAttempts {
		increment = 1
	}
	regressive := u.Status != nil && !u.Status.IsTerminal() && !u.Reprocess
	failing := u.Status != nil && *u.Status == types.StatusFailed

	now := db.now()
	res, err := db.exec(ctx, upsertRecordSQL,
		key, u.Bucket, insertStatus, stage, u.ErrorMessage, u.Title, u.ProcessedURL,
		u.PreviewURL, tagsJSON, insertSynthetic, u.ListingID, u.RunID, increment, now, now,
		status, u.TagsSynthetic, increment, regressive, failing,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("upsert %s to %s: %w", key, insertStatus, types.ErrTerminalRecord)
	}
	return nil
}

// Get returns the record for key, or nil when none exists.
func (db *DB) Get(ctx context.Context, key string) (*types.ProcessingRecord, error) {
	row := db.queryRow(ctx, `SELECT `+recordColumns+` FROM processing_records WHERE source_key = ?`, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return rec, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status types.Status
	Limit  int
}

// List returns records, most recently updated first.
func (db *DB) List(ctx context.Context, f ListFilter) ([]types.ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []types.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*types.ProcessingRecord, error) {
	var (
		rec                                     types.ProcessingRecord
		bucket, stage, errMsg, title, processed sql.NullString
		preview, tags, listingID, runID         sql.NullString
		status                                  string
	)
	if err := s.Scan(&rec.SourceKey, &bucket, &status, &stage, &errMsg, &title, &processed,
		&preview, &tags, &rec.TagsSynthetic, &listingID, &runID, &rec.Attempts,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	rec.Bucket = bucket.String
	rec.Status = types.Status(status)
	rec.Stage = types.Stage(stage.String)
	rec.ErrorMessage = errMsg.String
	rec.Title = title.String
	rec.ProcessedURL = processed.String
	rec.PreviewURL = preview.String
	rec.ListingID = listingID.String
	rec.RunID = runID.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &rec, nil
}
