package models

import (
	"fmt"
	"time"
)

// Stage names a pipeline stage
type Stage string

const (
	StageGenerate Stage = "generate"
	StageEvaluate Stage = "evaluate"
)

// RecordStatus is the persisted state of one experiment stage
type RecordStatus string

const (
	// StatusPending marks a stage that has started but not finished
	StatusPending   RecordStatus = "pending"
	StatusSuccess   RecordStatus = "success"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
)

// Terminal reports whether the status ends the stage
func (s RecordStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Failed reports whether the stage ended without producing an artifact
func (s RecordStatus) Failed() bool {
	return s == StatusError || s == StatusCancelled
}

// allowedTransitions lists the legal status changes. The empty status stands
// for a stage that has no record yet; a success record may be created
// directly for artifacts that were cached before records existed.
var allowedTransitions = map[RecordStatus]map[RecordStatus]struct{}{
	"": {
		StatusPending: {},
		StatusSuccess: {},
	},
	StatusPending: {
		StatusPending:   {},
		StatusSuccess:   {},
		StatusError:     {},
		StatusCancelled: {},
	},
	StatusSuccess: {
		StatusPending: {},
	},
	StatusError: {
		StatusPending: {},
	},
	StatusCancelled: {
		StatusPending: {},
	},
}

// ValidateStatus rejects unknown statuses
func ValidateStatus(s RecordStatus) error {
	if s == "" {
		return fmt.Errorf("record status is empty")
	}
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid record status: %q", s)
	}
	return nil
}

// ValidateTransition checks that a record may move from one status to another
func ValidateTransition(from, to RecordStatus) error {
	if from != "" {
		if err := ValidateStatus(from); err != nil {
			return err
		}
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid record transition: %q -> %q", from, to)
	}
	return nil
}

// StageRecord tracks the outcome of one stage for one experiment or result
type StageRecord struct {
	Stage      Stage        `json:"stage"`
	Key        string       `json:"key"`             // ExperimentID or ResultID key
	Label      string       `json:"label,omitempty"` // Human readable identity
	Status     RecordStatus `json:"status"`
	Error      string       `json:"error,omitempty"`    // Collaborator error message
	Location   string       `json:"location,omitempty"` // Artifact location, set on success
	RunID      string       `json:"run_id,omitempty"`   // Pipeline run that wrote the record
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Validate enforces the record invariants
func (r StageRecord) Validate() error {
	if r.Stage != StageGenerate && r.Stage != StageEvaluate {
		return fmt.Errorf("invalid record stage: %q", r.Stage)
	}
	if r.Key == "" {
		return fmt.Errorf("record key is empty")
	}
	if err := ValidateStatus(r.Status); err != nil {
		return err
	}
	if r.Status == StatusSuccess && r.Location == "" {
		return fmt.Errorf("success record %s/%s has no artifact location", r.Stage, r.Key)
	}
	return nil
}

// Transition returns a copy of the record moved to the given status
func (r StageRecord) Transition(to RecordStatus, message, location string, now time.Time) (StageRecord, error) {
	if err := ValidateTransition(r.Status, to); err != nil {
		return r, err
	}
	next := r
	next.Status = to
	next.Error = message
	next.Location = location
	if to == StatusPending {
		next.StartedAt = now
		next.FinishedAt = nil
	} else {
		finished := now
		next.FinishedAt = &finished
	}
	return next, nil
}
