package recoverability

import "math"

// ArchiveProgress is a snapshot of how far an operation has come.
type ArchiveProgress struct {
	Percentage float64 `json:"percentage"`
	Total      int     `json:"total"`
	Done       int     `json:"done"`
	Remaining  int     `json:"remaining"`
}

// CalculateProgress returns the completed fraction, rounded down to the
// nearest tenth. A completed operation always reports 1.0 and an empty one
// reports 0.
func CalculateProgress(total, done int, state ArchiveState) float64 {
	if state == ArchiveStateCompleted {
		return 1.0
	}
	if total <= 0 {
		return 0.0
	}
	return RoundDownToNearestTenth(float64(done) / float64(total))
}

// RoundDownToNearestTenth floors v to one decimal place.
func RoundDownToNearestTenth(v float64) float64 {
	return math.Floor(v*10) / 10
}
