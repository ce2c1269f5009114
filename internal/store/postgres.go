package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS opportunities (
	region         TEXT        NOT NULL,
	opportunity_id TEXT        NOT NULL,
	status         TEXT        NOT NULL DEFAULT '',
	via            TEXT        NOT NULL,
	raw_payload    JSONB,
	sightings      BIGINT      NOT NULL DEFAULT 1,
	first_seen_at  TIMESTAMPTZ NOT NULL,
	last_seen_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (region, opportunity_id)
);

CREATE TABLE IF NOT EXISTS claim_attempts (
	region           TEXT        NOT NULL,
	opportunity_id   TEXT        NOT NULL,
	status           INTEGER     NOT NULL,
	error            TEXT        NOT NULL DEFAULT '',
	latency_ms       BIGINT      NOT NULL,
	response_body    TEXT        NOT NULL DEFAULT '',
	url              TEXT        NOT NULL DEFAULT '',
	attempt_count    BIGINT      NOT NULL,
	first_attempt_at TIMESTAMPTZ NOT NULL,
	last_attempt_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (region, opportunity_id)
);

CREATE TABLE IF NOT EXISTS claim_locks (
	lock_key   TEXT PRIMARY KEY,
	owner      TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS region_auth (
	region     TEXT PRIMARY KEY,
	jwt        TEXT        NOT NULL,
	xsrf       TEXT        NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	source     TEXT        NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// UpsertOpportunity inserts or updates an opportunity. Returns true if inserted.
func (p *Postgres) UpsertOpportunity(ctx context.Context, d model.Detection) (inserted bool, err error) {
	var raw []byte
	if len(d.RawPayload) > 0 {
		raw = d.RawPayload
	}

	query := `
	INSERT INTO opportunities (region, opportunity_id, status, via, raw_payload, sightings, first_seen_at, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
	ON CONFLICT (region, opportunity_id)
	DO UPDATE SET
		status = CASE WHEN EXCLUDED.status = '' THEN opportunities.status ELSE EXCLUDED.status END,
		via = EXCLUDED.via,
		raw_payload = CASE WHEN EXCLUDED.last_seen_at >= opportunities.last_seen_at
			THEN COALESCE(EXCLUDED.raw_payload, opportunities.raw_payload)
			ELSE opportunities.raw_payload END,
		sightings = opportunities.sightings + 1,
		first_seen_at = LEAST(opportunities.first_seen_at, EXCLUDED.first_seen_at),
		last_seen_at = GREATEST(opportunities.last_seen_at, EXCLUDED.last_seen_at)
	RETURNING (xmax = 0)
	`
	err = p.pool.QueryRow(ctx, query,
		d.Region, d.OpportunityID, d.Status, string(d.Via), raw, d.SeenAt.UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert opportunity: %w", err)
	}
	return inserted, nil
}

// RecordClaimAttempt upserts the attempt record and increments its counter.
func (p *Postgres) RecordClaimAttempt(ctx context.Context, o model.ClaimOutcome) error {
	query := `
	INSERT INTO claim_attempts (region, opportunity_id, status, error, latency_ms, response_body, url, attempt_count, first_attempt_at, last_attempt_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	ON CONFLICT (region, opportunity_id)
	DO UPDATE SET
		status = EXCLUDED.status,
		error = EXCLUDED.error,
		latency_ms = EXCLUDED.latency_ms,
		response_body = EXCLUDED.response_body,
		url = EXCLUDED.url,
		attempt_count = claim_attempts.attempt_count + EXCLUDED.attempt_count,
		last_attempt_at = EXCLUDED.last_attempt_at
	`
	_, err := p.pool.Exec(ctx, query,
		o.Region, o.OpportunityID, o.Status, o.Error, o.Latency.Milliseconds(),
		snippet(o.Body), o.URL, int64(o.Posts), o.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record claim attempt: %w", err)
	}
	return nil
}

// AcquireLock takes the lock when it is absent or expired, in one statement.
// Expiry is judged by the database clock.
func (p *Postgres) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	query := `
	INSERT INTO claim_locks (lock_key, owner, expires_at)
	VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
	ON CONFLICT (lock_key)
	DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
	WHERE claim_locks.expires_at <= now()
	`
	tag, err := p.pool.Exec(ctx, query, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertAuth mirrors the current token for a region.
func (p *Postgres) UpsertAuth(ctx context.Context, a model.Auth) error {
	var exp *time.Time
	if !a.ExpiresAt.IsZero() {
		t := a.ExpiresAt.UTC()
		exp = &t
	}
	query := `
	INSERT INTO region_auth (region, jwt, xsrf, expires_at, source, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (region)
	DO UPDATE SET jwt = EXCLUDED.jwt, xsrf = EXCLUDED.xsrf, expires_at = EXCLUDED.expires_at,
		source = EXCLUDED.source, updated_at = EXCLUDED.updated_at
	`
	if _, err := p.pool.Exec(ctx, query, a.Region, a.JWT, a.XSRF, exp, a.Source, a.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert auth: %w", err)
	}
	return nil
}

// GetAuth returns the mirrored token for a region.
func (p *Postgres) GetAuth(ctx context.Context, region string) (model.Auth, error) {
	var (
		a   model.Auth
		exp *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT region, jwt, xsrf, expires_at, source, updated_at FROM region_auth WHERE region = $1`,
		region,
	).Scan(&a.Region, &a.JWT, &a.XSRF, &exp, &a.Source, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Auth{}, ErrNotFound
	}
	if err != nil {
		return model.Auth{}, fmt.Errorf("get auth: %w", err)
	}
	if exp != nil {
		a.ExpiresAt = *exp
	}
	return a, nil
}

// GetOpportunity returns one opportunity record.
func (p *Postgres) GetOpportunity(ctx context.Context, region, opportunityID string) (model.Opportunity, error) {
	var (
		o   model.Opportunity
		via string
		raw []byte
	)
	err := p.pool.QueryRow(ctx, `
	SELECT region, opportunity_id, status, via, raw_payload, sightings, first_seen_at, last_seen_at
	FROM opportunities WHERE region = $1 AND opportunity_id = $2`,
		region, opportunityID,
	).Scan(&o.Region, &o.OpportunityID, &o.Status, &via, &raw, &o.Sightings, &o.FirstSeenAt, &o.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return model.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	o.Via = model.Via(via)
	o.RawPayload = raw
	return o, nil
}

// GetClaimAttempt returns the claim attempt record.
func (p *Postgres) GetClaimAttempt(ctx context.Context, region, opportunityID string) (model.ClaimAttempt, error) {
	var c model.ClaimAttempt
	err := p.pool.QueryRow(ctx, `
	SELECT region, opportunity_id, status, error, latency_ms, response_body, url, attempt_count, first_attempt_at, last_attempt_at
	FROM claim_attempts WHERE region = $1 AND opportunity_id = $2`,
		region, opportunityID,
	).Scan(&c.Region, &c.OpportunityID, &c.Status, &c.Error, &c.LatencyMs, &c.ResponseBodySnippet,
		&c.URL, &c.AttemptCount, &c.FirstAttemptAt, &c.LastAttemptAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClaimAttempt{}, ErrNotFound
	}
	if err != nil {
		return model.ClaimAttempt{}, fmt.Errorf("get claim attempt: %w", err)
	}
	return c, nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
