package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Via names the producer that sighted an opportunity.
type Via string

const (
	ViaPoll  Via = "poll"
	ViaEvent Via = "event"
)

// FeedItem is one normalised entry of the pending-opportunities listing.
type FeedItem struct {
	OpportunityID string
	Status        string
	CreatedAt     time.Time
	Raw           json.RawMessage
}

// Detection is a single sighting of an opportunity by poll or event.
type Detection struct {
	Region        string          `json:"region"`
	OpportunityID string          `json:"opportunity_id"`
	Status        string          `json:"status,omitempty"`
	Via           Via             `json:"via"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at,omitempty"`
	SeenAt        time.Time       `json:"seen_at"`
}

// Opportunity is the durable record of a detected upstream lead.
// One record exists per (Region, OpportunityID).
type Opportunity struct {
	Region        string          `json:"region" bson:"region"`
	OpportunityID string          `json:"opportunity_id" bson:"opportunityId"`
	Status        string          `json:"status" bson:"status"`
	Via           Via             `json:"via" bson:"via"`
	RawPayload    json.RawMessage `json:"raw_payload" bson:"-"`
	Sightings     int64           `json:"sightings" bson:"sightings"`
	FirstSeenAt   time.Time       `json:"first_seen_at" bson:"firstSeenAt"`
	LastSeenAt    time.Time       `json:"last_seen_at" bson:"lastSeenAt"`
}

// ClaimAttempt is the durable record of claim POSTs for one
// (Region, OpportunityID). AttemptCount counts POSTs actually issued.
type ClaimAttempt struct {
	Region              string    `json:"region" bson:"region"`
	OpportunityID       string    `json:"opportunity_id" bson:"opportunityId"`
	Status              int       `json:"status" bson:"status"`
	Error               string    `json:"error,omitempty" bson:"error,omitempty"`
	LatencyMs           int64     `json:"latency_ms" bson:"latencyMs"`
	ResponseBodySnippet string    `json:"response_body_snippet" bson:"responseBody"`
	URL                 string    `json:"url" bson:"url"`
	AttemptCount        int64     `json:"attempt_count" bson:"attemptCount"`
	FirstAttemptAt      time.Time `json:"first_attempt_at" bson:"firstAttemptAt"`
	LastAttemptAt       time.Time `json:"last_attempt_at" bson:"lastAttemptAt"`
}

// ClaimOutcome is what a single claim call reports for persistence.
type ClaimOutcome struct {
	Region        string
	OpportunityID string
	Status        int
	Error         string
	Latency       time.Duration
	Body          string
	URL           string
	Posts         int
	At            time.Time
}

// Won reports whether upstream accepted the claim.
func (o ClaimOutcome) Won() bool {
	return o.Error == "" && o.Status >= 200 && o.Status < 300
}

// Auth is the bearer token (plus optional anti-CSRF token) known for a region.
type Auth struct {
	Region    string    `json:"region" bson:"_id"`
	JWT       string    `json:"jwt" bson:"jwt"`
	XSRF      string    `json:"xsrf,omitempty" bson:"xsrf,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty" bson:"expiresAt,omitempty"`
	Source    string    `json:"source" bson:"source"`
	UpdatedAt time.Time `json:"updated_at" bson:"updatedAt"`
}

// LockKey builds the distributed lock key for an opportunity.
func LockKey(region, opportunityID string) string {
	return region + ":" + opportunityID
}

// IsUnclaimed reports whether status marks an opportunity as available.
// An empty status is implicitly unclaimed.
func IsUnclaimed(status string, sentinels []string) bool {
	status = strings.TrimSpace(status)
	if status == "" {
		return true
	}
	for _, s := range sentinels {
		if strings.EqualFold(status, strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}
