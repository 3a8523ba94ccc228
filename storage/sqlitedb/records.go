// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/zeebo/errs"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
)

const recordColumns = `id, natural_key, layer, content, metadata, published_at,
	captured_at, updated_at, version, first_seen_at, last_seen_at, seen_count`

// Store implements storage.Records.
func (db *DB) Store(ctx context.Context, record *feed.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	if err := storeTx(ctx, tx, record, true); err != nil {
		return err
	}
	return wrap(tx.Commit())
}

// storeTx upserts one record inside tx. When bump is set an update of an
// existing id monotonically bumps the version.
func storeTx(ctx context.Context, tx *sql.Tx, record *feed.Record, bump bool) error {
	content, err := encodeJSON(record.Content)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(record.Metadata)
	if err != nil {
		return err
	}

	var existingVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, record.ID).Scan(&existingVersion)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.NaturalKey, record.Layer.String(), content, metadata,
			encodeTime(record.PublishedAt), encodeTime(record.CapturedAt), encodeTime(record.UpdatedAt),
			record.Version, encodeTime(record.FirstSeenAt), encodeTime(record.LastSeenAt), record.SeenCount)
		if err != nil {
			return wrap(err)
		}
	case err != nil:
		return wrap(err)
	default:
		version := record.Version
		if bump && version <= existingVersion {
			version = existingVersion + 1
		}
		record.Version = version
		_, err = tx.ExecContext(ctx, `UPDATE records SET natural_key = ?, layer = ?,
			content = ?, metadata = ?, published_at = ?, captured_at = ?, updated_at = ?,
			version = ?, first_seen_at = ?, last_seen_at = ?, seen_count = ?
			WHERE id = ?`,
			record.NaturalKey, record.Layer.String(), content, metadata,
			encodeTime(record.PublishedAt), encodeTime(record.CapturedAt), encodeTime(record.UpdatedAt),
			version, encodeTime(record.FirstSeenAt), encodeTime(record.LastSeenAt), record.SeenCount,
			record.ID)
		if err != nil {
			return wrap(err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO record_versions
		(record_id, version, layer, content, updated_at) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Version, record.Layer.String(), content, encodeTime(record.UpdatedAt))
	return wrap(err)
}

// Get implements storage.Records.
func (db *DB) Get(ctx context.Context, id string, layer *feed.Layer) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	args := []interface{}{id}
	if layer != nil {
		query += ` AND layer = ?`
		args = append(args, layer.String())
	}
	return db.getRecord(ctx, query, args...)
}

// GetByNaturalKey implements storage.Records.
func (db *DB) GetByNaturalKey(ctx context.Context, naturalKey string) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.getRecord(ctx,
		`SELECT `+recordColumns+` FROM records WHERE natural_key = ?`,
		feed.NormalizeKey(naturalKey))
}

func (db *DB) getRecord(ctx context.Context, query string, args ...interface{}) (*feed.Record, error) {
	record, err := scanRecord(db.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	return record, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*feed.Record, error) {
	var record feed.Record
	var layer, content, metadata string
	var publishedAt, capturedAt, updatedAt, firstSeenAt, lastSeenAt string

	err := row.Scan(&record.ID, &record.NaturalKey, &layer, &content, &metadata,
		&publishedAt, &capturedAt, &updatedAt, &record.Version,
		&firstSeenAt, &lastSeenAt, &record.SeenCount)
	if err != nil {
		return nil, err
	}

	record.Layer, err = feed.ParseLayer(layer)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &record.Content); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &record.Metadata); err != nil {
		return nil, err
	}
	record.PublishedAt = decodeTime(publishedAt)
	record.CapturedAt = decodeTime(capturedAt)
	record.UpdatedAt = decodeTime(updatedAt)
	record.FirstSeenAt = decodeTime(firstSeenAt)
	record.LastSeenAt = decodeTime(lastSeenAt)
	return &record, nil
}

// Exists implements storage.Records.
func (db *DB) Exists(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := db.Get(ctx, id, layer)
	return record != nil, err
}

// ExistsByNaturalKey implements storage.Records.
func (db *DB) ExistsByNaturalKey(ctx context.Context, naturalKey string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := db.GetByNaturalKey(ctx, naturalKey)
	return record != nil, err
}

// Delete implements storage.Records.
func (db *DB) Delete(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `DELETE FROM records WHERE id = ?`
	args := []interface{}{id}
	if layer != nil {
		query += ` AND layer = ?`
		args = append(args, layer.String())
	}
	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, wrap(err)
}

// Query implements storage.Records. Without an explicit order results come
// back in insertion (rowid) order.
func (db *DB) Query(ctx context.Context, opts storage.QueryOptions) (_ []*feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + recordColumns + ` FROM records`
	where, args, err := compileFilters(opts.Layer, opts.Filters)
	if err != nil {
		return nil, err
	}
	query += where

	if opts.OrderBy != "" {
		column, err := orderColumn(opts.OrderBy)
		if err != nil {
			return nil, err
		}
		query += ` ORDER BY ` + column
	} else {
		query += ` ORDER BY rowid`
	}

	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []*feed.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, wrap(err)
		}
		records = append(records, record)
	}
	return records, wrap(rows.Err())
}

// Count implements storage.Records.
func (db *DB) Count(ctx context.Context, layer *feed.Layer, filters []storage.Filter) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	where, args, err := compileFilters(layer, filters)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&count)
	return count, wrap(err)
}

// RecordSighting implements storage.Records.
func (db *DB) RecordSighting(ctx context.Context, sighting *feed.Sighting) (firstSeen bool, err error) {
	defer mon.Task()(&ctx)(&err)

	key := feed.NormalizeKey(sighting.NaturalKey)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sightings WHERE natural_key = ?`, key).Scan(&count)
	if err != nil {
		return false, wrap(err)
	}
	firstSeen = count == 0

	if !firstSeen {
		var source, seenAt string
		var hash sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT source, seen_at, raw_data_hash FROM sightings
			WHERE natural_key = ? ORDER BY seen_at DESC, rowid DESC LIMIT 1`, key).
			Scan(&source, &seenAt, &hash)
		if err != nil {
			return false, wrap(err)
		}
		if source == sighting.Source && seenAt == encodeTime(sighting.SeenAt) &&
			hash.String == sighting.RawDataHash {
			// identical repeat of the latest sighting
			return false, wrap(tx.Commit())
		}
	}

	metadata, err := encodeJSON(sighting.Metadata)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sightings
		(id, natural_key, record_id, source, seen_at, is_new, raw_data_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sighting.ID, key, nullable(sighting.RecordID), sighting.Source,
		encodeTime(sighting.SeenAt), sighting.IsNew, nullable(sighting.RawDataHash), metadata)
	if err != nil {
		return false, wrap(err)
	}

	if !sighting.IsNew {
		_, err = tx.ExecContext(ctx, `UPDATE records SET
			seen_count = seen_count + 1,
			last_seen_at = MAX(last_seen_at, ?),
			first_seen_at = MIN(first_seen_at, ?),
			updated_at = ?
			WHERE natural_key = ?`,
			encodeTime(sighting.SeenAt), encodeTime(sighting.SeenAt), encodeTime(sighting.SeenAt), key)
		if err != nil {
			return false, wrap(err)
		}
	}
	return firstSeen, wrap(tx.Commit())
}

// GetSightings implements storage.Records.
func (db *DB) GetSightings(ctx context.Context, naturalKey string) (_ []*feed.Sighting, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `SELECT id, natural_key, record_id, source,
		seen_at, is_new, raw_data_hash, metadata FROM sightings
		WHERE natural_key = ? ORDER BY seen_at, rowid`, feed.NormalizeKey(naturalKey))
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var sightings []*feed.Sighting
	for rows.Next() {
		var sighting feed.Sighting
		var recordID, hash sql.NullString
		var seenAt, metadata string
		err := rows.Scan(&sighting.ID, &sighting.NaturalKey, &recordID, &sighting.Source,
			&seenAt, &sighting.IsNew, &hash, &metadata)
		if err != nil {
			return nil, wrap(err)
		}
		sighting.RecordID = recordID.String
		sighting.RawDataHash = hash.String
		sighting.SeenAt = decodeTime(seenAt)
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &sighting.Metadata); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		sightings = append(sightings, &sighting)
	}
	return sightings, wrap(rows.Err())
}

// StoreBatch implements storage.Records with one transaction per batch.
func (db *DB) StoreBatch(ctx context.Context, records []*feed.Record, batchSize int, onConflict storage.OnConflict) (total int, err error) {
	defer mon.Task()(&ctx)(&err)
	if batchSize <= 0 {
		batchSize = storage.DefaultBatchSize
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := db.storeBatchTx(ctx, records[start:end], onConflict)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (db *DB) storeBatchTx(ctx context.Context, batch []*feed.Record, onConflict storage.OnConflict) (count int, err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			count = 0
		}
	}()

	for _, record := range batch {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM records WHERE natural_key = ? OR id = ?`,
			record.NaturalKey, record.ID).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			if err := storeTx(ctx, tx, record, false); err != nil {
				return count, err
			}
			count++
		case err != nil:
			return count, wrap(err)
		default:
			switch onConflict {
			case storage.OnConflictSkip:
			case storage.OnConflictError:
				return count, storage.ErrDuplicate.New("record %q already exists", record.NaturalKey)
			case storage.OnConflictUpdate:
				record.ID = existingID
				if err := storeTx(ctx, tx, record, true); err != nil {
					return count, err
				}
				count++
			}
		}
	}
	return count, wrap(tx.Commit())
}

// DeleteBatch implements storage.Records with one transaction per batch.
func (db *DB) DeleteBatch(ctx context.Context, ids []string, batchSize int) (total int, err error) {
	defer mon.Task()(&ctx)(&err)
	if batchSize <= 0 {
		batchSize = storage.DefaultBatchSize
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")
		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		result, err := db.db.ExecContext(ctx, `DELETE FROM records WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return total, wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, wrap(err)
		}
		total += int(affected)
	}
	return total, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
