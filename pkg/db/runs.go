package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/google/uuid"
)

const runColumns = `id, run_id, image_path, image_sha256, device_path, device_name, image_size,
	bytes_written, transfer_mode, status, error_kind, error_message, started_at, finished_at`

// CreateRun journals the start of an imaging run. A RunID is generated when
// the caller has none.
func (r *Repository) CreateRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	slog.Info("database_create_run", "run_id", run.RunID, "device", run.DevicePath, "image", run.ImagePath)

	query := `
		INSERT INTO imaging_runs (run_id, image_path, image_sha256, device_path, device_name,
		                          image_size, bytes_written, transfer_mode, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.RunID, run.ImagePath, run.ImageSHA256, run.DevicePath, run.DeviceName,
		int64(run.ImageSize), int64(run.BytesWritten), run.TransferMode, run.Status)
	if err != nil {
		slog.Error("database_insert_run_failed", "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id
	return nil
}

// FinishRun records the outcome of a run.
func (r *Repository) FinishRun(runID, status string, bytesWritten uint64, errorKind, errorMessage string) error {
	slog.Info("database_finish_run", "run_id", runID, "status", status, "bytes_written", bytesWritten)

	query := `
		UPDATE imaging_runs
		SET status = ?, bytes_written = ?, error_kind = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`
	result, err := r.db.Exec(query, status, int64(bytesWritten), errorKind, errorMessage, runID)
	if err != nil {
		slog.Error("database_finish_run_failed", "run_id", runID, "error", err)
		return errors.Wrap(err, "failed to finish run")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun returns nil when the run is unknown.
func (r *Repository) GetRun(runID string) (*Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM imaging_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_run_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (r *Repository) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM imaging_runs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_runs_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_runs_complete", "run_count", len(runs))
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var sha, name, kind, msg, finished sql.NullString
	var size, written int64

	err := s.Scan(&run.ID, &run.RunID, &run.ImagePath, &sha, &run.DevicePath, &name, &size,
		&written, &run.TransferMode, &run.Status, &kind, &msg, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.ImageSHA256 = sha.String
	run.DeviceName = name.String
	run.ImageSize = uint64(size)
	run.BytesWritten = uint64(written)
	run.ErrorKind = kind.String
	run.ErrorMessage = msg.String
	run.FinishedAt = finished.String
	return &run, nil
}
