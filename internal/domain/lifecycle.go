package domain

import "time"

// Stage is a point in an upload's lifecycle.
type Stage string

const (
	StageUploaded   Stage = "UPLOADED"
	StageRequested  Stage = "REQUESTED"
	StageProcessing Stage = "PROCESSING"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
)

var stageOrder = map[Stage]int{
	StageUploaded:   1,
	StageRequested:  2,
	StageProcessing: 3,
	StageCompleted:  4,
	StageFailed:     4,
}

// Terminal reports whether no further transitions follow s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanAdvance reports whether a record at s may move to next.
//
// Stages only move forward. StageUploaded always applies since a new upload
// under the same name starts a new lifecycle, and StageProcessing may repeat
// for each redelivered attempt. A terminal stage is final until the next
// upload.
func (s Stage) CanAdvance(next Stage) bool {
	if s == "" || next == StageUploaded {
		return true
	}
	if s.Terminal() {
		return false
	}
	if s == StageProcessing && next == StageProcessing {
		return true
	}
	return stageOrder[next] > stageOrder[s]
}

// StatusRecord is the tracked lifecycle of one object.
type StatusRecord struct {
	Bucket    string    `json:"bucket"`
	Name      string    `json:"name"`
	Stage     Stage     `json:"stage"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
