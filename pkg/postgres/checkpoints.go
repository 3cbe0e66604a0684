package postgres

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// CheckpointRecord marks a source file as fully processed. A record is only
// ever written after the file's output has been durably persisted, so the
// presence of a record is proof the output exists. ContentHash, SizeBytes and
// ModTime describe the file as it was when processed.
type CheckpointRecord struct {
	FileID      string    `db:"file_id"`
	ContentHash string    `db:"content_hash"`
	SizeBytes   int64     `db:"size_bytes"`
	ModTime     time.Time `db:"modified_at"`
	ProcessedAt time.Time `db:"processed_at"`
	RecordCount int       `db:"record_count"`
}

// IsProcessed returns true if a checkpoint record exists for the given file.
func (d *DB) IsProcessed(fileID string) (_ bool, err error) {
	sql := `SELECT COUNT(*) FROM checkpoints WHERE file_id = :file_id`

	tx, err := BeginTX(d.DB)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var count int
	err = tx.Get(&count, sql, map[string]interface{}{"file_id": fileID})
	if err != nil {
		return false, errors.Wrap(err, "failed to count checkpoint records")
	}

	return count > 0, nil
}

// MarkProcessed writes the checkpoint record for a file. The write is a
// single upsert so it is atomic per file: either the whole record lands or
// none of it does, and a forced reprocess simply refreshes the existing
// record.
func (d *DB) MarkProcessed(rec *CheckpointRecord) (err error) {
	sql := `INSERT INTO checkpoints
		(file_id, content_hash, size_bytes, modified_at, processed_at, record_count)
	VALUES
		(:file_id, :content_hash, :size_bytes, :modified_at, :processed_at, :record_count)
	ON CONFLICT (file_id) DO UPDATE
	SET content_hash = EXCLUDED.content_hash,
			size_bytes = EXCLUDED.size_bytes,
			modified_at = EXCLUDED.modified_at,
			processed_at = EXCLUDED.processed_at,
			record_count = EXCLUDED.record_count`

	tx, err := BeginTX(d.DB)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction when writing checkpoint")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	err = tx.Exec(sql, rec)
	if err != nil {
		return errors.Wrap(err, "failed to write checkpoint record")
	}

	return err
}

// ListProcessed returns all checkpoint records ordered by the time they were
// processed.
func (d *DB) ListProcessed() (_ []*CheckpointRecord, err error) {
	sql := `SELECT file_id, content_hash, size_bytes, modified_at, processed_at, record_count
	FROM checkpoints
	ORDER BY processed_at, file_id`

	tx, err := BeginTX(d.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	records := []*CheckpointRecord{}

	mapper := func(rows *sqlx.Rows) error {
		for rows.Next() {
			var rec CheckpointRecord

			if err := rows.StructScan(&rec); err != nil {
				return errors.Wrap(err, "failed to scan checkpoint row into struct")
			}

			records = append(records, &rec)
		}

		return nil
	}

	err = tx.Map(sql, []interface{}{}, mapper)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select checkpoint rows")
	}

	return records, nil
}

// ClearCheckpoints deletes all checkpoint records, making every source file
// eligible for reprocessing. Persisted output is left untouched; deleting
// that as well is the separate, irreversible Reset operation.
func (d *DB) ClearCheckpoints() error {
	_, err := d.DB.Exec(`DELETE FROM checkpoints`)
	if err != nil {
		return errors.Wrap(err, "failed to clear checkpoints")
	}

	return nil
}

// Reset deletes both checkpoint records and all persisted output in a single
// transaction. This is irreversible; the only way back is a full reprocess of
// every source file.
func (d *DB) Reset() (err error) {
	tx, err := BeginTX(d.DB)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction for reset")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if err = tx.Exec(`DELETE FROM checkpoints`, map[string]interface{}{}); err != nil {
		return errors.Wrap(err, "failed to delete checkpoints")
	}

	if err = tx.Exec(`DELETE FROM readings`, map[string]interface{}{}); err != nil {
		return errors.Wrap(err, "failed to delete readings")
	}

	return err
}
