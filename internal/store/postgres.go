package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/vendalabs/leadpipe/internal/db"
	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/reconcile"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool exposes the underlying pool for bulk import paths.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	cnpj            TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL DEFAULT '',
	lifecycle_state TEXT NOT NULL DEFAULT 'quarantine',
	icp_score       INTEGER,
	temperature     TEXT NOT NULL DEFAULT '',
	doc             JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_tenant_cnpj
	ON companies(tenant_id, cnpj) WHERE cnpj <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_tenant_domain
	ON companies(tenant_id, domain) WHERE domain <> '';
CREATE INDEX IF NOT EXISTS idx_companies_state ON companies(tenant_id, lifecycle_state);

CREATE TABLE IF NOT EXISTS people (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	name_key   TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(company_id, name_key)
);

CREATE TABLE IF NOT EXISTS promotions (
	company_id  TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	doc         JSONB NOT NULL,
	promoted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deals (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	company_id  TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	value       DOUBLE PRECISION NOT NULL DEFAULT 0,
	probability INTEGER NOT NULL DEFAULT 0,
	owner_id    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at   TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_deals_one_open
	ON deals(company_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS handoffs (
	id          TEXT PRIMARY KEY,
	deal_id     TEXT NOT NULL REFERENCES deals(id),
	from_owner  TEXT NOT NULL DEFAULT '',
	to_owner    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_handoffs_deal ON handoffs(deal_id);

CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	type         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(created_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS enrich_cache (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrich_cache_expires ON enrich_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Companies

// UpsertCompany writes a company record. An existing row is locked and
// read inside the transaction, and the incoming copy is converged
// against it; two writers racing on the same snapshot both keep their
// fields instead of the later write erasing the earlier one.
func (s *PostgresStore) UpsertCompany(ctx context.Context, c *model.Company) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx)

	var storedDoc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM companies WHERE id = $1 FOR UPDATE`, c.ID).Scan(&storedDoc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First insert, nothing to converge against.
	case err != nil:
		return eris.Wrapf(err, "postgres: load company %s for upsert", c.ID)
	default:
		var stored model.Company
		if err := json.Unmarshal(storedDoc, &stored); err != nil {
			return eris.Wrap(err, "postgres: unmarshal stored company")
		}
		*c = reconcile.Converge(stored, *c)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.State == "" {
		c.State = model.StateQuarantine
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal company")
	}

	// lifecycle_state is only written on first insert; transitions go
	// through SwapState so a stale in-memory copy cannot regress it.
	_, err = tx.Exec(ctx, `
		INSERT INTO companies (id, tenant_id, cnpj, domain, lifecycle_state, icp_score, temperature, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			cnpj = EXCLUDED.cnpj,
			domain = EXCLUDED.domain,
			icp_score = EXCLUDED.icp_score,
			temperature = EXCLUDED.temperature,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.TenantID, c.CNPJ, c.Domain, string(c.State), c.ICPScore, c.Temperature,
		doc, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert company %s", c.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

func (s *PostgresStore) GetCompany(ctx context.Context, tenantID, id string) (*model.Company, error) {
	return s.scanCompanyRow(s.pool.QueryRow(ctx,
		`SELECT doc, lifecycle_state FROM companies WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
}

func (s *PostgresStore) FindCompany(ctx context.Context, tenantID, cnpj, domain string) (*model.Company, error) {
	query := `SELECT doc, lifecycle_state FROM companies WHERE tenant_id = $1 AND (`
	args := []any{tenantID}
	switch {
	case cnpj != "" && domain != "":
		query += `cnpj = $2 OR domain = $3)`
		args = append(args, cnpj, domain)
	case cnpj != "":
		query += `cnpj = $2)`
		args = append(args, cnpj)
	case domain != "":
		query += `domain = $2)`
		args = append(args, domain)
	default:
		return nil, nil
	}
	query += ` LIMIT 1`

	c, err := s.scanCompanyRow(s.pool.QueryRow(ctx, query, args...))
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error) {
	query := `SELECT doc, lifecycle_state FROM companies WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND lifecycle_state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if filter.Temperature != "" {
		query += fmt.Sprintf(` AND temperature = $%d`, argIdx)
		args = append(args, filter.Temperature)
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var doc []byte
		var state string
		if err := rows.Scan(&doc, &state); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		var c model.Company
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal company")
		}
		c.State = model.LifecycleState(state)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

// People

// UpsertPeople merges the reconciled contact list in one round trip via
// a temp-table COPY, since every enrichment pass rewrites the whole set.
func (s *PostgresStore) UpsertPeople(ctx context.Context, companyID string, people []model.Person) error {
	if len(people) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(people))
	for i := range people {
		p := &people[i]
		p.CompanyID = companyID
		doc, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal person")
		}
		rows = append(rows, []any{p.ID, companyID, p.NameKey, doc, now})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "people",
		Columns:      []string{"id", "company_id", "name_key", "doc", "updated_at"},
		ConflictKeys: []string{"company_id", "name_key"},
		UpdateCols:   []string{"doc", "updated_at"},
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert %d people", len(people))
	}
	return nil
}

func (s *PostgresStore) ListPeople(ctx context.Context, companyID string) ([]model.Person, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM people WHERE company_id = $1 ORDER BY name_key`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list people")
	}
	defer rows.Close()

	var out []model.Person
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan person")
		}
		var p model.Person
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list people iterate")
}

// Lifecycle

func (s *PostgresStore) SwapState(ctx context.Context, tenantID, companyID string, from, to model.LifecycleState) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE companies SET lifecycle_state = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND lifecycle_state = $5`,
		string(to), time.Now().UTC(), tenantID, companyID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap state %s", companyID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Promote(ctx context.Context, c *model.Company) (bool, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal promotion")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO promotions (company_id, tenant_id, doc, promoted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id) DO NOTHING`,
		c.ID, c.TenantID, doc, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: promote %s", c.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateDeal(ctx context.Context, d *lifecycle.Deal) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deals (id, tenant_id, company_id, name, stage, status, value, probability, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		d.ID, d.TenantID, d.CompanyID, d.Name, d.Stage, d.Status,
		d.Value, d.Probability, d.OwnerID, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: create deal for %s", d.CompanyID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ActiveDeal(ctx context.Context, tenantID, companyID string) (*lifecycle.Deal, error) {
	var d lifecycle.Deal
	var closedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, company_id, name, stage, status, value, probability, owner_id, created_at, updated_at, closed_at
		FROM deals WHERE tenant_id = $1 AND company_id = $2 AND status = 'open'`,
		tenantID, companyID,
	).Scan(&d.ID, &d.TenantID, &d.CompanyID, &d.Name, &d.Stage, &d.Status,
		&d.Value, &d.Probability, &d.OwnerID, &d.CreatedAt, &d.UpdatedAt, &closedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: active deal")
	}
	d.ClosedAt = closedAt
	return &d, nil
}

func (s *PostgresStore) SwapDealStage(ctx context.Context, dealID, from, to, status string, closedAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deals SET stage = $1, status = $2, closed_at = $3, updated_at = $4
		WHERE id = $5 AND stage = $6 AND status = 'open'`,
		to, status, closedAt, time.Now().UTC(), dealID, from,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap deal stage %s", dealID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetDealOwner(ctx context.Context, dealID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deals SET owner_id = $1, updated_at = $2 WHERE id = $3`,
		ownerID, time.Now().UTC(), dealID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set deal owner %s", dealID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "deal %s", dealID)
	}
	return nil
}

func (s *PostgresStore) CreateHandoff(ctx context.Context, h *lifecycle.Handoff) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO handoffs (id, deal_id, from_owner, to_owner, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.DealID, h.FromOwner, h.ToOwner, h.Status, h.Notes, h.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create handoff for deal %s", h.DealID)
}

func (s *PostgresStore) GetHandoff(ctx context.Context, id string) (*lifecycle.Handoff, error) {
	var h lifecycle.Handoff
	var resolvedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, deal_id, from_owner, to_owner, status, notes, created_at, resolved_at
		FROM handoffs WHERE id = $1`, id,
	).Scan(&h.ID, &h.DealID, &h.FromOwner, &h.ToOwner, &h.Status, &h.Notes, &h.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "handoff %s", id)
		}
		return nil, eris.Wrap(err, "postgres: get handoff")
	}
	h.ResolvedAt = resolvedAt
	return &h, nil
}

func (s *PostgresStore) ResolveHandoff(ctx context.Context, id, status string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE handoffs SET status = $1, resolved_at = $2 WHERE id = $3 AND status = 'pending'`,
		status, at, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: resolve handoff %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// Outbox

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *lifecycle.OutboxEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbox (id, tenant_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.TenantID, ev.Type, []byte(ev.Payload), ev.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append event %s", ev.Type)
}

func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]lifecycle.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, type, payload, created_at FROM outbox
		WHERE published_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending events")
	}
	defer rows.Close()

	var out []lifecycle.OutboxEvent
	for rows.Next() {
		var ev lifecycle.OutboxEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending events iterate")
}

func (s *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = $2 AND published_at IS NULL`,
		time.Now().UTC(), eventID,
	)
	return eris.Wrapf(err, "postgres: mark published %s", eventID)
}

// Enrichment cache

func (s *PostgresStore) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM enrich_cache WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "postgres: get cache")
	}
	return value, true, nil
}

func (s *PostgresStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrich_cache (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, time.Now().UTC().Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cache")
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrich_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) scanCompanyRow(row pgx.Row) (*model.Company, error) {
	var doc []byte
	var state string
	err := row.Scan(&doc, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan company")
	}
	var c model.Company
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal company")
	}
	c.State = model.LifecycleState(state)
	return &c, nil
}
