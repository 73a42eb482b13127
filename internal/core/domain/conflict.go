package domain

import "time"

// Resolution is the outcome of comparing a local and a remote listing snapshot.
type Resolution string

const (
	// ResolutionLocalWins re-pushes the local value to the marketplace
	ResolutionLocalWins Resolution = "local_wins"
	// ResolutionRemoteWins applies the remote value to the mirror
	ResolutionRemoteWins Resolution = "remote_wins"
	// ResolutionMerged applies remote-only changes and re-pushes local-only changes
	ResolutionMerged Resolution = "merged"
	// ResolutionManualReview leaves the mirror untouched and persists the case
	ResolutionManualReview Resolution = "manual_review"
)

// Valid reports whether the resolution is known.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocalWins, ResolutionRemoteWins, ResolutionMerged, ResolutionManualReview:
		return true
	}
	return false
}

// ConflictCase records a divergence between mirror and marketplace.
// Persisted only when Resolution is manual_review.
type ConflictCase struct {
	ID        string          `json:"id,omitempty"`
	ListingID string          `json:"listing_id"`
	Local     ListingSnapshot `json:"local"`
	Remote    ListingSnapshot `json:"remote"`

	Resolution Resolution `json:"resolution"`

	// Merged is the state the mirror should hold after applying the resolution
	Merged *ListingSnapshot `json:"merged,omitempty"`

	// PushFields are the local fields to write back to the marketplace
	PushFields []string `json:"push_fields,omitempty"`

	// ConflictingFields were changed differently on both sides
	ConflictingFields []string `json:"conflicting_fields,omitempty"`

	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`

	// Operator review, set when a manual_review case is closed
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	OperatorChoice Resolution `json:"operator_choice,omitempty"`
}

// IsOpen reports whether the case still awaits operator review.
func (c *ConflictCase) IsOpen() bool {
	return c.Resolution == ResolutionManualReview && c.ResolvedAt == nil
}

// ConflictFilter restricts conflict listings.
type ConflictFilter struct {
	ListingID string
	OpenOnly  bool
	Limit     int
	Offset    int
}
