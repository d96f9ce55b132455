package db

// Schema defines the SQLite schema. images caches images fetched from S3 so
// a workflow can skip the download when the file is already on disk;
// imaging_runs journals every write to a device.
const Schema = `
CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    s3_key TEXT NOT NULL UNIQUE,
    sha256 TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'ready', 'failed')),
    local_path TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);

CREATE TABLE IF NOT EXISTS imaging_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    image_path TEXT NOT NULL,
    image_sha256 TEXT,
    device_path TEXT NOT NULL,
    device_name TEXT,
    image_size INTEGER NOT NULL,
    bytes_written INTEGER NOT NULL DEFAULT 0,
    transfer_mode TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'cancelled')),
    error_kind TEXT,
    error_message TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_imaging_runs_device ON imaging_runs(device_path);
CREATE INDEX IF NOT EXISTS idx_imaging_runs_started_at ON imaging_runs(started_at);
`

// Image cache statuses
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusFailed      = "failed"
)

// Imaging run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Image is a cached S3 image
type Image struct {
	ID           int64
	S3Key        string
	SHA256       string
	Status       string
	LocalPath    string
	Size         int64
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Run is one imaging run journal entry
type Run struct {
	ID           int64  `json:"-"`
	RunID        string `json:"run_id"`
	ImagePath    string `json:"image_path"`
	ImageSHA256  string `json:"image_sha256,omitempty"`
	DevicePath   string `json:"device_path"`
	DeviceName   string `json:"device_name,omitempty"`
	ImageSize    uint64 `json:"image_size"`
	BytesWritten uint64 `json:"bytes_written"`
	TransferMode string `json:"transfer_mode"`
	Status       string `json:"status"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
}
