package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/reconcile"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	cnpj            TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL DEFAULT '',
	lifecycle_state TEXT NOT NULL DEFAULT 'quarantine',
	icp_score       INTEGER,
	temperature     TEXT NOT NULL DEFAULT '',
	doc             TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
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
	doc        TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(company_id, name_key)
);

CREATE TABLE IF NOT EXISTS promotions (
	company_id  TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	doc         TEXT NOT NULL,
	promoted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deals (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	company_id  TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	value       REAL NOT NULL DEFAULT 0,
	probability INTEGER NOT NULL DEFAULT 0,
	owner_id    TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	closed_at   DATETIME
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
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_handoffs_deal ON handoffs(deal_id);

CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	type         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	published_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(created_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS enrich_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrich_cache_expires ON enrich_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Companies

// UpsertCompany writes a company record. An existing row is never
// overwritten wholesale: the incoming copy is converged against the doc
// read inside the same transaction, so two writers racing on the same
// snapshot both keep their fields.
func (s *SQLiteStore) UpsertCompany(ctx context.Context, c *model.Company) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	var storedDoc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM companies WHERE id = ?`, c.ID).Scan(&storedDoc)
	switch {
	case err == sql.ErrNoRows:
		// First insert, nothing to converge against.
	case err != nil:
		return eris.Wrapf(err, "sqlite: load company %s for upsert", c.ID)
	default:
		var stored model.Company
		if err := json.Unmarshal([]byte(storedDoc), &stored); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal stored company")
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
		return eris.Wrap(err, "sqlite: marshal company")
	}

	var score any
	if c.ICPScore != nil {
		score = *c.ICPScore
	}

	// lifecycle_state is only written on first insert; transitions go
	// through SwapState so a stale in-memory copy cannot regress it.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO companies (id, tenant_id, cnpj, domain, lifecycle_state, icp_score, temperature, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cnpj = excluded.cnpj,
			domain = excluded.domain,
			icp_score = excluded.icp_score,
			temperature = excluded.temperature,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		c.ID, c.TenantID, c.CNPJ, c.Domain, string(c.State), score, c.Temperature,
		string(doc), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert company %s", c.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) GetCompany(ctx context.Context, tenantID, id string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc, lifecycle_state FROM companies WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	return scanCompany(row)
}

func (s *SQLiteStore) FindCompany(ctx context.Context, tenantID, cnpj, domain string) (*model.Company, error) {
	query := `SELECT doc, lifecycle_state FROM companies WHERE tenant_id = ? AND (`
	args := []any{tenantID}
	switch {
	case cnpj != "" && domain != "":
		query += `cnpj = ? OR domain = ?)`
		args = append(args, cnpj, domain)
	case cnpj != "":
		query += `cnpj = ?)`
		args = append(args, cnpj)
	case domain != "":
		query += `domain = ?)`
		args = append(args, domain)
	default:
		return nil, nil
	}
	query += ` LIMIT 1`

	c, err := scanCompany(s.db.QueryRowContext(ctx, query, args...))
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error) {
	query := `SELECT doc, lifecycle_state FROM companies WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		query += ` AND lifecycle_state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Temperature != "" {
		query += ` AND temperature = ?`
		args = append(args, filter.Temperature)
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

// People

func (s *SQLiteStore) UpsertPeople(ctx context.Context, companyID string, people []model.Person) error {
	now := time.Now().UTC()
	for i := range people {
		p := &people[i]
		p.CompanyID = companyID
		doc, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal person")
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO people (id, company_id, name_key, doc, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(company_id, name_key) DO UPDATE SET
				doc = excluded.doc,
				updated_at = excluded.updated_at`,
			p.ID, companyID, p.NameKey, string(doc), now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert person %s", p.NameKey)
		}
	}
	return nil
}

func (s *SQLiteStore) ListPeople(ctx context.Context, companyID string) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM people WHERE company_id = ? ORDER BY name_key`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list people")
	}
	defer rows.Close()

	var out []model.Person
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan person")
		}
		var p model.Person
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list people iterate")
}

// Lifecycle

func (s *SQLiteStore) SwapState(ctx context.Context, tenantID, companyID string, from, to model.LifecycleState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET lifecycle_state = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND lifecycle_state = ?`,
		string(to), time.Now().UTC(), tenantID, companyID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap state %s", companyID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: swap state rows")
}

func (s *SQLiteStore) Promote(ctx context.Context, c *model.Company) (bool, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal promotion")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (company_id, tenant_id, doc, promoted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id) DO NOTHING`,
		c.ID, c.TenantID, string(doc), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: promote %s", c.ID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: promote rows")
}

func (s *SQLiteStore) CreateDeal(ctx context.Context, d *lifecycle.Deal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deals (id, tenant_id, company_id, name, stage, status, value, probability, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		d.ID, d.TenantID, d.CompanyID, d.Name, d.Stage, d.Status,
		d.Value, d.Probability, d.OwnerID, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: create deal for %s", d.CompanyID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: create deal rows")
}

func (s *SQLiteStore) ActiveDeal(ctx context.Context, tenantID, companyID string) (*lifecycle.Deal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, company_id, name, stage, status, value, probability, owner_id, created_at, updated_at, closed_at
		FROM deals WHERE tenant_id = ? AND company_id = ? AND status = 'open'`,
		tenantID, companyID,
	)
	d, err := scanDeal(row)
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) SwapDealStage(ctx context.Context, dealID, from, to, status string, closedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deals SET stage = ?, status = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND stage = ? AND status = 'open'`,
		to, status, closedAt, time.Now().UTC(), dealID, from,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap deal stage %s", dealID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: swap deal stage rows")
}

func (s *SQLiteStore) SetDealOwner(ctx context.Context, dealID, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deals SET owner_id = ?, updated_at = ? WHERE id = ?`,
		ownerID, time.Now().UTC(), dealID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set deal owner %s", dealID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: set deal owner rows")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "deal %s", dealID)
	}
	return nil
}

func (s *SQLiteStore) CreateHandoff(ctx context.Context, h *lifecycle.Handoff) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, deal_id, from_owner, to_owner, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.DealID, h.FromOwner, h.ToOwner, h.Status, h.Notes, h.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create handoff for deal %s", h.DealID)
}

func (s *SQLiteStore) GetHandoff(ctx context.Context, id string) (*lifecycle.Handoff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, deal_id, from_owner, to_owner, status, notes, created_at, resolved_at
		FROM handoffs WHERE id = ?`, id)

	var h lifecycle.Handoff
	var resolvedAt sql.NullTime
	err := row.Scan(&h.ID, &h.DealID, &h.FromOwner, &h.ToOwner, &h.Status, &h.Notes, &h.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "handoff %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get handoff")
	}
	if resolvedAt.Valid {
		h.ResolvedAt = &resolvedAt.Time
	}
	return &h, nil
}

func (s *SQLiteStore) ResolveHandoff(ctx context.Context, id, status string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE handoffs SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		status, at, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: resolve handoff %s", id)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: resolve handoff rows")
}

// Outbox

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *lifecycle.OutboxEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, tenant_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.Type, string(ev.Payload), ev.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append event %s", ev.Type)
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]lifecycle.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, payload, created_at FROM outbox
		WHERE published_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending events")
	}
	defer rows.Close()

	var out []lifecycle.OutboxEvent
	for rows.Next() {
		var ev lifecycle.OutboxEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending events iterate")
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id = ? AND published_at IS NULL`,
		time.Now().UTC(), eventID,
	)
	return eris.Wrapf(err, "sqlite: mark published %s", eventID)
}

// Enrichment cache

func (s *SQLiteStore) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM enrich_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get cache")
	}
	return []byte(value), true, nil
}

func (s *SQLiteStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrich_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cache")
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrich_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: delete expired cache rows")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var doc, state string
	err := row.Scan(&doc, &state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan company")
	}
	var c model.Company
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal company")
	}
	// The state column is authoritative; the doc copy may predate a
	// transition.
	c.State = model.LifecycleState(state)
	return &c, nil
}

func scanDeal(row scannable) (*lifecycle.Deal, error) {
	var d lifecycle.Deal
	var closedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TenantID, &d.CompanyID, &d.Name, &d.Stage, &d.Status,
		&d.Value, &d.Probability, &d.OwnerID, &d.CreatedAt, &d.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan deal")
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return &d, nil
}
