package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/diskimage/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for cached images and runs
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and creates the schema
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer; the workflow and the CLI share the connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateImage inserts a new image record
func (r *Repository) CreateImage(img *Image) error {
	slog.Info("database_create_image", "s3_key", img.S3Key, "status", img.Status)

	query := `
		INSERT INTO images (s3_key, sha256, status, local_path, size, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		img.S3Key, img.SHA256, img.Status, img.LocalPath, img.Size, img.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "s3_key", img.S3Key, "error", err)
		return errors.Wrap(err, "failed to insert image")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	img.ID = id

	slog.Info("database_image_created", "s3_key", img.S3Key, "image_id", img.ID)
	return nil
}

// GetImageByS3Key returns nil when the key is unknown
func (r *Repository) GetImageByS3Key(s3Key string) (*Image, error) {
	query := `
		SELECT id, s3_key, sha256, status, local_path, size, error_message, created_at, updated_at
		FROM images WHERE s3_key = ?
	`
	var img Image
	var localPath, errorMessage sql.NullString

	err := r.db.QueryRow(query, s3Key).Scan(
		&img.ID, &img.S3Key, &img.SHA256, &img.Status,
		&localPath, &img.Size, &errorMessage, &img.CreatedAt, &img.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("database_image_not_found", "s3_key", s3Key)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to query image")
	}

	img.LocalPath = localPath.String
	img.ErrorMessage = errorMessage.String
	return &img, nil
}

// UpdateImage updates an existing image record
func (r *Repository) UpdateImage(img *Image) error {
	slog.Info("database_update_image", "image_id", img.ID, "s3_key", img.S3Key, "status", img.Status)

	query := `
		UPDATE images
		SET sha256 = ?, status = ?, local_path = ?, size = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		img.SHA256, img.Status, img.LocalPath, img.Size, img.ErrorMessage, img.ID)
	if err != nil {
		slog.Error("database_update_failed", "image_id", img.ID, "error", err)
		return errors.Wrap(err, "failed to update image")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_image_not_found_for_update", "image_id", img.ID)
		return fmt.Errorf("image not found: id=%d", img.ID)
	}
	return nil
}

// UpdateImageStatus updates only the status field
func (r *Repository) UpdateImageStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "image_id", id, "status", status)

	query := `UPDATE images SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "image_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// ListImages retrieves all cached images
func (r *Repository) ListImages() ([]*Image, error) {
	query := `
		SELECT id, s3_key, sha256, status, local_path, size, error_message, created_at, updated_at
		FROM images ORDER BY created_at DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list images")
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		var img Image
		var localPath, errorMessage sql.NullString
		if err := rows.Scan(
			&img.ID, &img.S3Key, &img.SHA256, &img.Status,
			&localPath, &img.Size, &errorMessage, &img.CreatedAt, &img.UpdatedAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		img.LocalPath = localPath.String
		img.ErrorMessage = errorMessage.String
		images = append(images, &img)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	return images, nil
}

// DeleteImage deletes an image record by ID
func (r *Repository) DeleteImage(id int64) error {
	slog.Info("database_delete_image", "image_id", id)

	if _, err := r.db.Exec(`DELETE FROM images WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "image_id", id, "error", err)
		return errors.Wrap(err, "failed to delete image")
	}
	return nil
}
