package model

import "time"

// CheckpointState is the minimal state needed to resume a run.
// TotalRecords always equals the number of records in the output artifact
// published together with it.
type CheckpointState struct {
	LastProcessedIndex int    `json:"last_processed"`
	TotalRecords       int    `json:"total_records"`
	Timestamp          string `json:"timestamp"`
	Interrupted        bool   `json:"interrupted,omitempty"`
}

// NewCheckpointState stamps a checkpoint with the given time.
func NewCheckpointState(cursor, records int, interrupted bool, now time.Time) CheckpointState {
	return CheckpointState{
		LastProcessedIndex: cursor,
		TotalRecords:       records,
		Timestamp:          now.Format(time.RFC3339),
		Interrupted:        interrupted,
	}
}
