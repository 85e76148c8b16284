package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresUpsertCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM companies WHERE id`).
		WithArgs("c1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO companies`).
		WithArgs("c1", "t1", "12345678000195", "acme.com.br", "quarantine",
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertCompany(context.Background(), &model.Company{
		ID: "c1", TenantID: "t1", CNPJ: "12345678000195", Domain: "acme.com.br",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertCompanyConvergesStoredFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stored, err := json.Marshal(model.Company{
		ID: "c1", TenantID: "t1", CNPJ: "12345678000195",
		LegalName: "ACME LTDA", UF: "SP",
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM companies WHERE id`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(stored))
	// The written row carries the stored identity, not blanks.
	mock.ExpectExec(`INSERT INTO companies`).
		WithArgs("c1", "t1", "12345678000195", "acme.com.br", "quarantine",
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	incoming := &model.Company{ID: "c1", TenantID: "t1", Domain: "acme.com.br"}
	require.NoError(t, s.UpsertCompany(context.Background(), incoming))
	assert.Equal(t, "ACME LTDA", incoming.LegalName)
	assert.Equal(t, "SP", incoming.UF)
	assert.Equal(t, "12345678000195", incoming.CNPJ)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	doc, err := json.Marshal(model.Company{ID: "c1", TenantID: "t1", LegalName: "ACME LTDA"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc, lifecycle_state FROM companies`).
		WithArgs("t1", "c1").
		WillReturnRows(pgxmock.NewRows([]string{"doc", "lifecycle_state"}).
			AddRow(doc, "qualified"))

	c, err := s.GetCompany(context.Background(), "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ACME LTDA", c.LegalName)
	// The column wins over whatever state the doc snapshot carried.
	assert.Equal(t, model.StateQualified, c.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCompanyNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc, lifecycle_state FROM companies`).
		WithArgs("t1", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCompany(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindCompanyMissReturnsNil(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc, lifecycle_state FROM companies`).
		WithArgs("t1", "99999999000199").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.FindCompany(context.Background(), "t1", "99999999000199", "")
	assert.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSwapState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE companies SET lifecycle_state`).
		WithArgs("qualified", pgxmock.AnyArg(), "t1", "c1", "quarantine").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	moved, err := s.SwapState(context.Background(), "t1", "c1", model.StateQuarantine, model.StateQualified)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSwapStateLostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE companies SET lifecycle_state`).
		WithArgs("qualified", pgxmock.AnyArg(), "t1", "c1", "quarantine").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	moved, err := s.SwapState(context.Background(), "t1", "c1", model.StateQuarantine, model.StateQualified)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPromoteConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO promotions`).
		WithArgs("c1", "t1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.Promote(context.Background(), &model.Company{ID: "c1", TenantID: "t1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveDealNone(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM deals WHERE tenant_id`).
		WithArgs("t1", "c1").
		WillReturnError(pgx.ErrNoRows)

	d, err := s.ActiveDeal(context.Background(), "t1", "c1")
	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSwapDealStage(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	closedAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE deals SET stage`).
		WithArgs("won", lifecycle.DealWon, &closedAt, pgxmock.AnyArg(), "d1", "negociacao").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	moved, err := s.SwapDealStage(context.Background(), "d1", "negociacao", "won", lifecycle.DealWon, &closedAt)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolveHandoffAlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE handoffs SET status`).
		WithArgs(lifecycle.HandoffAccepted, at, "h1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	resolved, err := s.ResolveHandoff(context.Background(), "h1", lifecycle.HandoffAccepted, at)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, tenant_id, type, payload, created_at FROM outbox`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "type", "payload", "created_at"}).
			AddRow("e1", "t1", lifecycle.EventLeadPromoted, []byte(`{"company_id":"c1"}`), now))

	events, err := s.PendingEvents(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventLeadPromoted, events[0].Type)
	assert.JSONEq(t, `{"company_id":"c1"}`, string(events[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCacheMiss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM enrich_cache`).
		WithArgs("registry/12345678000195").
		WillReturnError(pgx.ErrNoRows)

	_, found, err := s.GetCache(context.Background(), "registry/12345678000195")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}
