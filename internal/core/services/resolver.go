package services

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// Resolve compares the mirror's view of a listing with a fresh remote read
// and decides how to converge them. It is pure: the same two snapshots always
// yield the same ConflictCase, and nothing is written.
//
// local must carry the last synced remote state in Base. Changes on each
// side are measured against Base; without a Base every differing field is
// treated as changed on both sides.
func Resolve(local, remote domain.ListingSnapshot) domain.ConflictCase {
	c := domain.ConflictCase{
		ListingID:  local.ListingID,
		Local:      local,
		Remote:     remote,
		DetectedAt: remote.ObservedAt,
	}
	if c.ListingID == "" {
		c.ListingID = remote.ListingID
	}

	if !local.HasPendingMutation() {
		merged := remote
		c.Resolution = domain.ResolutionRemoteWins
		c.Merged = &merged
		c.Reason = "no pending local mutation"
		return c
	}

	localChanged, remoteChanged := changedFields(local, remote)

	var conflicting, unpushed, remoteOnly []string
	for _, f := range domain.ComparedFields {
		l, r := localChanged[f], remoteChanged[f]
		differs := !local.FieldsEqual(remote, f)
		switch {
		case l && r && differs:
			conflicting = append(conflicting, f)
		case l && !r && differs:
			unpushed = append(unpushed, f)
		case r && !l:
			remoteOnly = append(remoteOnly, f)
		}
	}

	if len(conflicting) > 0 {
		c.Resolution = domain.ResolutionManualReview
		c.ConflictingFields = conflicting
		c.Reason = fmt.Sprintf("both sides changed %s", strings.Join(conflicting, ", "))
		return c
	}

	for _, f := range unpushed {
		if !domain.IsPushable(f) {
			c.Resolution = domain.ResolutionManualReview
			c.ConflictingFields = []string{f}
			c.Reason = fmt.Sprintf("local %s change cannot be pushed to the marketplace", f)
			return c
		}
	}

	if len(unpushed) == 0 {
		merged := remote
		c.Resolution = domain.ResolutionRemoteWins
		c.Merged = &merged
		if len(remoteOnly) == 0 {
			c.Reason = "local mutation already reflected remotely"
		} else {
			c.Reason = fmt.Sprintf("remote changed %s", strings.Join(remoteOnly, ", "))
		}
		return c
	}

	merged := mergeSnapshot(remote, local, unpushed)
	c.Merged = &merged
	c.PushFields = unpushed
	if len(remoteOnly) == 0 {
		c.Resolution = domain.ResolutionLocalWins
		c.Reason = fmt.Sprintf("local %s not yet on the marketplace", strings.Join(unpushed, ", "))
	} else {
		c.Resolution = domain.ResolutionMerged
		c.Reason = fmt.Sprintf("remote changed %s; local %s not yet on the marketplace",
			strings.Join(remoteOnly, ", "), strings.Join(unpushed, ", "))
	}
	return c
}

// changedFields returns the fields each side changed relative to the base.
func changedFields(local, remote domain.ListingSnapshot) (map[string]bool, map[string]bool) {
	localChanged := make(map[string]bool)
	remoteChanged := make(map[string]bool)

	if local.Base == nil {
		for _, f := range local.DiffFields(remote) {
			localChanged[f] = true
			remoteChanged[f] = true
		}
		return localChanged, remoteChanged
	}

	base := *local.Base
	for _, f := range base.DiffFields(local) {
		localChanged[f] = true
	}
	for _, f := range base.DiffFields(remote) {
		remoteChanged[f] = true
	}
	return localChanged, remoteChanged
}

// mergeSnapshot takes the remote snapshot and overlays the given local fields.
func mergeSnapshot(remote, local domain.ListingSnapshot, fields []string) domain.ListingSnapshot {
	merged := remote
	for _, f := range fields {
		switch f {
		case domain.FieldTitle:
			merged.Title = local.Title
		case domain.FieldPrice:
			merged.Price = local.Price
		case domain.FieldQuantity:
			merged.Quantity = local.Quantity
		case domain.FieldStatus:
			merged.Status = local.Status
		}
	}
	return merged
}
