package domain

import "time"

// AlertKind identifies why an alert was raised.
type AlertKind string

const (
	// AlertJobFailed is raised when a job exhausts its retries or fails fatally
	AlertJobFailed AlertKind = "job_failed"
	// AlertManualReview is raised when a conflict needs an operator
	AlertManualReview AlertKind = "manual_review"
	// AlertAuthRejected is raised when marketplace credentials stop working
	AlertAuthRejected AlertKind = "auth_rejected"
)

// Alert is a message for the external alerting collaborator.
type Alert struct {
	Kind       AlertKind `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	JobKind    JobKind   `json:"job_kind,omitempty"`
	ListingID  string    `json:"listing_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewJobFailedAlert builds the alert for a job that reached failed.
func NewJobFailedAlert(job *SyncJob) Alert {
	return Alert{
		Kind:       AlertJobFailed,
		JobID:      job.ID,
		JobKind:    job.Kind,
		ListingID:  job.ListingID(),
		Attempts:   job.Attempts,
		Message:    job.Error,
		OccurredAt: time.Now().UTC(),
	}
}

// NewManualReviewAlert builds the alert for a persisted conflict.
func NewManualReviewAlert(c *ConflictCase) Alert {
	return Alert{
		Kind:       AlertManualReview,
		ListingID:  c.ListingID,
		ConflictID: c.ID,
		Message:    c.Reason,
		OccurredAt: time.Now().UTC(),
	}
}
