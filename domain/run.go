package domain

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further progress will be made on a run in this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	}
	return false
}

// Run is the state of one harvesting-and-extraction run.
// Keys only grows while the run is active; repeated keys stay in the list.
type Run struct {
	ID          string     `json:"runId"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	CategoryID  int        `json:"categoryId"`
	ListingName string     `json:"listingName"`

	// Account the run was started for (used for the cross-process lock).
	AccountID int64 `json:"accountId,omitempty"`

	// Progress
	Pages     int `json:"pages"`
	Harvested int `json:"harvested"`
	Matched   int `json:"matched"`
	Processed int `json:"processed"`
	Total     int `json:"total"`

	Keys []ExtractedKey `json:"-"`
	Log  []string       `json:"-"`

	// Diagnostics (non-sensitive)
	Error string `json:"error,omitempty"`
}

// Stats computes the aggregate key statistics of the run.
func (r *Run) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return ComputeStats(r.Keys)
}
