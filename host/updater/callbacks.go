package updater

import "time"

// Progress phases
const (
	PhaseErasing   = "erasing"
	PhaseSending   = "sending"
	PhaseFinalize  = "finalizing"
	PhaseVerifying = "verifying"
	PhaseComplete  = "complete"
)

// Progress is passed to ProgressCallback while an image is flashed.
type Progress struct {
	Phase      string
	BytesSent  uint32
	TotalBytes uint32
	Percentage float64
	Elapsed    time.Duration
}

// ProgressCallback is called after every chunk and phase change. It runs on
// the flashing goroutine and should return quickly.
type ProgressCallback func(Progress)
