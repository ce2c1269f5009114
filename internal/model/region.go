package model

import (
	"strings"
	"time"
)

// Region is one independently authenticated dealer account.
type Region struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	APIRoot  string `json:"api_root"`
	DealerID string `json:"dealer_id,omitempty"`
}

// NewRegion builds a Region with its slug derived from name.
func NewRegion(name, apiRoot, dealerID string) Region {
	return Region{
		Name:     strings.TrimSpace(name),
		Slug:     Slug(name),
		APIRoot:  strings.TrimRight(strings.TrimSpace(apiRoot), "/"),
		DealerID: strings.TrimSpace(dealerID),
	}
}

// Slug normalises a region name to a stable file/record key:
// lower case, "&" as "and", runs of other characters collapsed to "-".
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "&", "and")

	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ClaimSummary is the latest claim result of a region.
type ClaimSummary struct {
	OpportunityID string    `json:"opportunity_id,omitempty"`
	Status        int       `json:"status,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at,omitempty"`
}

// RegionStatus is a point-in-time view of one region worker.
type RegionStatus struct {
	Region         string       `json:"region"`
	Name           string       `json:"name"`
	State          string       `json:"state"`
	Restarts       int          `json:"restarts"`
	LastPollAt     time.Time    `json:"last_poll_at,omitempty"`
	LastPollResult string       `json:"last_poll_result,omitempty"`
	LastPollItems  int          `json:"last_poll_items"`
	HubConnected   bool         `json:"hub_connected"`
	InFlight       int64        `json:"in_flight_claims"`
	BackoffUntil   time.Time    `json:"backoff_until,omitempty"`
	LastClaim      ClaimSummary `json:"last_claim"`
}
