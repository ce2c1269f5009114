package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/redis/go-redis/v9"
)

const heartbeatTTL = 300 * time.Second

// RegionRegistry publishes region worker heartbeats to Redis so that every
// process in the fleet can see which regions are being watched.
type RegionRegistry struct {
	rdb      *redis.Client
	instance string
}

// NewRegionRegistry creates a region registry. instance identifies this
// process in the heartbeat.
func NewRegionRegistry(rdb *redis.Client, instance string) *RegionRegistry {
	return &RegionRegistry{rdb: rdb, instance: instance}
}

func regionKey(slug string) string {
	return fmt.Sprintf("region:%s:status", slug)
}

// Update stores region status.
func (r *RegionRegistry) Update(ctx context.Context, st model.RegionStatus) error {
	key := regionKey(st.Region)
	err := r.rdb.HSet(ctx, key, map[string]interface{}{
		"instance":         r.instance,
		"state":            st.State,
		"last_seen":        time.Now().Unix(),
		"last_poll":        unixOrZero(st.LastPollAt),
		"last_poll_result": st.LastPollResult,
		"hub_connected":    st.HubConnected,
		"in_flight":        st.InFlight,
		"backoff_until":    unixOrZero(st.BackoffUntil),
		"last_claim_id":    st.LastClaim.OpportunityID,
		"last_claim":       st.LastClaim.Status,
	}).Err()
	if err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, heartbeatTTL).Err()
}

// Get returns the raw heartbeat fields for a region, empty when expired.
func (r *RegionRegistry) Get(ctx context.Context, slug string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, regionKey(slug)).Result()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
