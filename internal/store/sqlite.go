package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
)

// SQLite is the single-host Store. Times are stored as unix nanoseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a sqlite store on an open database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// WithClock replaces the clock used for lock expiry. Used by tests.
func (s *SQLite) WithClock(now func() time.Time) *SQLite {
	s.now = now
	return s
}

// Migrate applies pending schema versions.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}

	const latest = 1

	var cur sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&cur); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	for v := int(cur.Int64) + 1; v <= latest; v++ {
		if err := s.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) apply(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS opportunities (
  region TEXT NOT NULL,
  opportunity_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  via TEXT NOT NULL,
  raw_payload TEXT,
  sightings INTEGER NOT NULL DEFAULT 1,
  first_seen_ns INTEGER NOT NULL,
  last_seen_ns INTEGER NOT NULL,
  PRIMARY KEY (region, opportunity_id)
);

CREATE TABLE IF NOT EXISTS claim_attempts (
  region TEXT NOT NULL,
  opportunity_id TEXT NOT NULL,
  status INTEGER NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  latency_ms INTEGER NOT NULL,
  response_body TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  attempt_count INTEGER NOT NULL,
  first_attempt_ns INTEGER NOT NULL,
  last_attempt_ns INTEGER NOT NULL,
  PRIMARY KEY (region, opportunity_id)
);

CREATE TABLE IF NOT EXISTS claim_locks (
  lock_key TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS region_auth (
  region TEXT PRIMARY KEY,
  jwt TEXT NOT NULL,
  xsrf TEXT NOT NULL DEFAULT '',
  expires_ns INTEGER NOT NULL DEFAULT 0,
  source TEXT NOT NULL DEFAULT '',
  updated_ns INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, ?);`,
		version, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertOpportunity inserts or updates an opportunity. Returns true if inserted.
func (s *SQLite) UpsertOpportunity(ctx context.Context, d model.Detection) (inserted bool, err error) {
	var raw sql.NullString
	if len(d.RawPayload) > 0 {
		raw = sql.NullString{String: string(d.RawPayload), Valid: true}
	}

	// sightings starts at 1 and only grows, so 1 marks the inserting call.
	var sightings int64
	seen := d.SeenAt.UnixNano()
	err = s.db.QueryRowContext(ctx, `
INSERT INTO opportunities (region, opportunity_id, status, via, raw_payload, sightings, first_seen_ns, last_seen_ns)
VALUES (?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (region, opportunity_id)
DO UPDATE SET
  status = CASE WHEN excluded.status = '' THEN opportunities.status ELSE excluded.status END,
  via = excluded.via,
  raw_payload = CASE WHEN excluded.last_seen_ns >= opportunities.last_seen_ns
    THEN COALESCE(excluded.raw_payload, opportunities.raw_payload)
    ELSE opportunities.raw_payload END,
  sightings = opportunities.sightings + 1,
  first_seen_ns = MIN(opportunities.first_seen_ns, excluded.first_seen_ns),
  last_seen_ns = MAX(opportunities.last_seen_ns, excluded.last_seen_ns)
RETURNING sightings;
`, d.Region, d.OpportunityID, d.Status, string(d.Via), raw, seen, seen).Scan(&sightings)
	if err != nil {
		return false, fmt.Errorf("upsert opportunity: %w", err)
	}
	return sightings == 1, nil
}

// RecordClaimAttempt upserts the attempt record and increments its counter.
func (s *SQLite) RecordClaimAttempt(ctx context.Context, o model.ClaimOutcome) error {
	at := o.At.UnixNano()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO claim_attempts (region, opportunity_id, status, error, latency_ms, response_body, url, attempt_count, first_attempt_ns, last_attempt_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (region, opportunity_id)
DO UPDATE SET
  status = excluded.status,
  error = excluded.error,
  latency_ms = excluded.latency_ms,
  response_body = excluded.response_body,
  url = excluded.url,
  attempt_count = claim_attempts.attempt_count + excluded.attempt_count,
  last_attempt_ns = excluded.last_attempt_ns;
`, o.Region, o.OpportunityID, o.Status, o.Error, o.Latency.Milliseconds(),
		snippet(o.Body), o.URL, o.Posts, at, at)
	if err != nil {
		return fmt.Errorf("record claim attempt: %w", err)
	}
	return nil
}

// AcquireLock takes the lock when it is absent or expired, in one statement.
func (s *SQLite) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO claim_locks (lock_key, owner, expires_ns)
VALUES (?, ?, ?)
ON CONFLICT (lock_key)
DO UPDATE SET owner = excluded.owner, expires_ns = excluded.expires_ns
WHERE claim_locks.expires_ns <= ?;
`, key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return n == 1, nil
}

// UpsertAuth mirrors the current token for a region.
func (s *SQLite) UpsertAuth(ctx context.Context, a model.Auth) error {
	var exp int64
	if !a.ExpiresAt.IsZero() {
		exp = a.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO region_auth (region, jwt, xsrf, expires_ns, source, updated_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (region)
DO UPDATE SET jwt = excluded.jwt, xsrf = excluded.xsrf, expires_ns = excluded.expires_ns,
  source = excluded.source, updated_ns = excluded.updated_ns;
`, a.Region, a.JWT, a.XSRF, exp, a.Source, a.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert auth: %w", err)
	}
	return nil
}

// GetAuth returns the mirrored token for a region.
func (s *SQLite) GetAuth(ctx context.Context, region string) (model.Auth, error) {
	var (
		a            model.Auth
		exp, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT region, jwt, xsrf, expires_ns, source, updated_ns FROM region_auth WHERE region = ?`,
		region,
	).Scan(&a.Region, &a.JWT, &a.XSRF, &exp, &a.Source, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auth{}, ErrNotFound
	}
	if err != nil {
		return model.Auth{}, fmt.Errorf("get auth: %w", err)
	}
	if exp != 0 {
		a.ExpiresAt = time.Unix(0, exp)
	}
	a.UpdatedAt = time.Unix(0, updated)
	return a, nil
}

// GetOpportunity returns one opportunity record.
func (s *SQLite) GetOpportunity(ctx context.Context, region, opportunityID string) (model.Opportunity, error) {
	var (
		o           model.Opportunity
		via         string
		raw         sql.NullString
		first, last int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT region, opportunity_id, status, via, raw_payload, sightings, first_seen_ns, last_seen_ns
FROM opportunities WHERE region = ? AND opportunity_id = ?`,
		region, opportunityID,
	).Scan(&o.Region, &o.OpportunityID, &o.Status, &via, &raw, &o.Sightings, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return model.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	o.Via = model.Via(via)
	if raw.Valid {
		o.RawPayload = []byte(raw.String)
	}
	o.FirstSeenAt = time.Unix(0, first)
	o.LastSeenAt = time.Unix(0, last)
	return o, nil
}

// GetClaimAttempt returns the claim attempt record.
func (s *SQLite) GetClaimAttempt(ctx context.Context, region, opportunityID string) (model.ClaimAttempt, error) {
	var (
		c           model.ClaimAttempt
		first, last int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT region, opportunity_id, status, error, latency_ms, response_body, url, attempt_count, first_attempt_ns, last_attempt_ns
FROM claim_attempts WHERE region = ? AND opportunity_id = ?`,
		region, opportunityID,
	).Scan(&c.Region, &c.OpportunityID, &c.Status, &c.Error, &c.LatencyMs, &c.ResponseBodySnippet,
		&c.URL, &c.AttemptCount, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClaimAttempt{}, ErrNotFound
	}
	if err != nil {
		return model.ClaimAttempt{}, fmt.Errorf("get claim attempt: %w", err)
	}
	c.FirstAttemptAt = time.Unix(0, first)
	c.LastAttemptAt = time.Unix(0, last)
	return c, nil
}

// Ping checks connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
