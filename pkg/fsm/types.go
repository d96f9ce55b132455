package fsm

import "github.com/fly-io/diskimage/pkg/drive"

// WriteRequest is the FSM input
type WriteRequest struct {
	S3Key      string
	S3Bucket   string
	DevicePath string
}

// WriteResponse is the FSM output (accumulated across transitions)
type WriteResponse struct {
	// From Prepare
	ImageID int64
	Drive   drive.Drive
	Cached  bool

	// From Download
	SHA256    string
	LocalPath string
	Size      int64

	// From Write
	RunID        string
	BytesWritten uint64

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StatePrepare  = "prepare"
	StateDownload = "download"
	StateValidate = "validate"
	StateWrite    = "write"
	StateComplete = "complete"
	StateFailed   = "failed"
)
