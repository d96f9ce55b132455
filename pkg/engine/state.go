package engine

import "github.com/fly-io/diskimage/pkg/errors"

// Phase is the engine's position in the imaging state machine.
type Phase int

const (
	Idle Phase = iota
	Validating
	Unmounting
	Imaging
	Cancelling
	Completed
	Failed
)

var phaseNames = map[Phase]string{
	Idle:       "idle",
	Validating: "validating",
	Unmounting: "unmounting",
	Imaging:    "imaging",
	Cancelling: "cancelling",
	Completed:  "completed",
	Failed:     "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Active reports whether a run is in flight.
func (p Phase) Active() bool {
	return p == Validating || p == Unmounting || p == Imaging || p == Cancelling
}

// Terminal reports whether the phase can only be left through Reset.
func (p Phase) Terminal() bool {
	return p == Completed || p == Failed
}

// Progress of one run.
type Progress struct {
	TotalBytes     uint64 `json:"total_bytes"`
	CompletedBytes uint64 `json:"completed_bytes"`
}

// Percentage returns 0..100, or 0 when the total is unknown.
func (p Progress) Percentage() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.CompletedBytes) / float64(p.TotalBytes) * 100
}

// Done reports whether every byte has been written.
func (p Progress) Done() bool {
	return p.TotalBytes > 0 && p.CompletedBytes >= p.TotalBytes
}

// State is a point-in-time copy of the engine state. Progress is meaningful
// while Imaging and after a run ends; Err is set only when Failed.
type State struct {
	Phase    Phase
	Progress Progress
	Err      *errors.ImagerError
}
