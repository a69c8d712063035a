package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const connectionColumns = "connection_id, institution_id, user_id, username, password, json_web_token, refresh_token, is_active, created_at, updated_at"

// InstitutionRepo stores institutions, user-institution connections,
// and the instrument cache.
type InstitutionRepo struct {
	querier Querier
}

func NewInstitutionRepo(db *sql.DB) *InstitutionRepo {
	return &InstitutionRepo{querier: db}
}

// WithTx returns a copy of the repo that runs every statement on tx.
func (r *InstitutionRepo) WithTx(tx *sql.Tx) *InstitutionRepo {
	return &InstitutionRepo{querier: tx}
}

// UpsertConnectionParams carries the full writable column set. Nil
// pointer fields are persisted as NULL, which is how an MFA
// verification clears stored credentials.
type UpsertConnectionParams struct {
	InstitutionID string
	UserID        int64
	Username      *string
	Password      *string
	JSONWebToken  *string
	RefreshToken  *string
	IsActive      bool
}

// UpsertConnection inserts a connection keyed by (user_id,
// institution_id); on conflict it overwrites the credentials, tokens,
// and active flag. The resulting row is returned.
func (r *InstitutionRepo) UpsertConnection(ctx context.Context, params UpsertConnectionParams) (*Connection, error) {
	query, args, err := psql.Insert(connectionsTable).
		Columns("institution_id", "user_id", "username", "password", "json_web_token", "refresh_token", "is_active").
		Values(params.InstitutionID, params.UserID, params.Username, params.Password, params.JSONWebToken, params.RefreshToken, params.IsActive).
		Suffix(`ON CONFLICT (user_id, institution_id) DO UPDATE SET
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			json_web_token = EXCLUDED.json_web_token,
			refresh_token = EXCLUDED.refresh_token,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING ` + connectionColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build upsert connection query: %w", err)
	}

	connection, err := scanConnection(r.querier.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return connection, nil
}

// ConnectionFilter selects a single connection. Nil fields are not
// filtered on; at least one must be set.
type ConnectionFilter struct {
	ConnectionID  *int64
	UserID        *int64
	InstitutionID *string
	IsActive      *bool
}

func (f ConnectionFilter) conditions() sq.And {
	var conds sq.And
	if f.ConnectionID != nil {
		conds = append(conds, sq.Eq{"connection_id": *f.ConnectionID})
	}
	if f.UserID != nil {
		conds = append(conds, sq.Eq{"user_id": *f.UserID})
	}
	if f.InstitutionID != nil {
		conds = append(conds, sq.Eq{"institution_id": *f.InstitutionID})
	}
	if f.IsActive != nil {
		conds = append(conds, sq.Eq{"is_active": *f.IsActive})
	}
	return conds
}

// RetrieveConnection fetches one connection matching the filter, or nil
// when none exists.
func (r *InstitutionRepo) RetrieveConnection(ctx context.Context, filter ConnectionFilter) (*Connection, error) {
	conds := filter.conditions()
	if len(conds) == 0 {
		return nil, errors.New("retrieve connection requires at least one filter field")
	}

	query, args, err := psql.Select(connectionColumns).
		From(connectionsTable).
		Where(conds).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build retrieve connection query: %w", err)
	}

	connection, err := scanConnection(r.querier.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve connection: %w", err)
	}
	return connection, nil
}

// ConnectionListFilter selects connections for a list query. Nil means
// unfiltered; false filters on false, unlike a missing field.
type ConnectionListFilter struct {
	UserID          *int64
	InstitutionID   *string
	IsActive        *bool
	HasRefreshToken *bool
}

func (f ConnectionListFilter) conditions() sq.And {
	var conds sq.And
	if f.UserID != nil {
		conds = append(conds, sq.Eq{"c.user_id": *f.UserID})
	}
	if f.InstitutionID != nil {
		conds = append(conds, sq.Eq{"c.institution_id": *f.InstitutionID})
	}
	if f.IsActive != nil {
		conds = append(conds, sq.Eq{"c.is_active": *f.IsActive})
	}
	if f.HasRefreshToken != nil {
		if *f.HasRefreshToken {
			conds = append(conds, sq.NotEq{"c.refresh_token": nil})
		} else {
			conds = append(conds, sq.Eq{"c.refresh_token": nil})
		}
	}
	return conds
}

// ListOptions control pagination and row locking for list queries.
type ListOptions struct {
	// SkipLocked locks each returned connection row for the duration of
	// the surrounding transaction and skips rows another transaction
	// already holds. Institution rows are not locked.
	SkipLocked bool
	PageNumber int
	PageSize   int
}

const defaultPageSize = 10000

// ListConnections returns connections joined with the institution name,
// newest first.
func (r *InstitutionRepo) ListConnections(ctx context.Context, filter ConnectionListFilter, opts ListOptions) ([]ConnectionWithInstitution, error) {
	conds := filter.conditions()
	if len(conds) == 0 {
		return nil, errors.New("list connections requires at least one filter field")
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageNumber := opts.PageNumber
	if pageNumber <= 0 {
		pageNumber = 1
	}

	builder := psql.Select(
		"c.connection_id", "c.institution_id", "c.user_id", "c.username", "c.password",
		"c.json_web_token", "c.refresh_token", "c.is_active", "c.created_at", "c.updated_at",
		"i.name",
	).
		From(connectionsTable + " c").
		Join(institutionsTable + " i ON c.institution_id = i.institution_id").
		Where(conds).
		OrderBy("c.created_at DESC").
		Limit(uint64(pageSize)).
		Offset(uint64((pageNumber - 1) * pageSize))

	if opts.SkipLocked {
		builder = builder.Suffix("FOR UPDATE OF c SKIP LOCKED")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list connections query: %w", err)
	}

	rows, err := r.querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []ConnectionWithInstitution
	for rows.Next() {
		var c ConnectionWithInstitution
		if err := rows.Scan(
			&c.ConnectionID, &c.InstitutionID, &c.UserID, &c.Username, &c.Password,
			&c.JSONWebToken, &c.RefreshToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
			&c.InstitutionName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		connections = append(connections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connection rows: %w", err)
	}
	return connections, nil
}

// ConnectionUpdate is a partial update; nil fields keep their stored
// value.
type ConnectionUpdate struct {
	Username     *string
	Password     *string
	JSONWebToken *string
	RefreshToken *string
	IsActive     *bool
}

// UpdateConnection applies a partial update by connection_id and
// returns the updated row.
func (r *InstitutionRepo) UpdateConnection(ctx context.Context, connectionID int64, update ConnectionUpdate) (*Connection, error) {
	builder := psql.Update(connectionsTable)

	fields := 0
	if update.Username != nil {
		builder = builder.Set("username", *update.Username)
		fields++
	}
	if update.Password != nil {
		builder = builder.Set("password", *update.Password)
		fields++
	}
	if update.JSONWebToken != nil {
		builder = builder.Set("json_web_token", *update.JSONWebToken)
		fields++
	}
	if update.RefreshToken != nil {
		builder = builder.Set("refresh_token", *update.RefreshToken)
		fields++
	}
	if update.IsActive != nil {
		builder = builder.Set("is_active", *update.IsActive)
		fields++
	}
	if fields == 0 {
		return nil, errors.New("update connection requires at least one field")
	}

	query, args, err := builder.
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"connection_id": connectionID}).
		Suffix("RETURNING " + connectionColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build update connection query: %w", err)
	}

	connection, err := scanConnection(r.querier.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %d does not exist", connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update connection: %w", err)
	}
	return connection, nil
}

// DeleteConnection removes a connection row.
func (r *InstitutionRepo) DeleteConnection(ctx context.Context, connectionID int64) error {
	query, args, err := psql.Delete(connectionsTable).
		Where(sq.Eq{"connection_id": connectionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete connection query: %w", err)
	}
	if _, err := r.querier.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// InstitutionFilter selects a single institution by name or id; at
// least one field must be set.
type InstitutionFilter struct {
	InstitutionID *string
	Name          *string
}

// RetrieveInstitution fetches one supported institution, or nil when
// none matches.
func (r *InstitutionRepo) RetrieveInstitution(ctx context.Context, filter InstitutionFilter) (*Institution, error) {
	var conds sq.And
	if filter.InstitutionID != nil {
		conds = append(conds, sq.Eq{"institution_id": *filter.InstitutionID})
	}
	if filter.Name != nil {
		conds = append(conds, sq.Eq{"name": *filter.Name})
	}
	if len(conds) == 0 {
		return nil, errors.New("retrieve institution requires at least one filter field")
	}

	query, args, err := psql.Select("institution_id", "name", "created_at", "updated_at").
		From(institutionsTable).
		Where(conds).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build retrieve institution query: %w", err)
	}

	var inst Institution
	err = r.querier.QueryRowContext(ctx, query, args...).
		Scan(&inst.InstitutionID, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve institution: %w", err)
	}
	return &inst, nil
}

// ListInstitutions returns every supported institution, newest first.
func (r *InstitutionRepo) ListInstitutions(ctx context.Context) ([]Institution, error) {
	query, args, err := psql.Select("institution_id", "name", "created_at", "updated_at").
		From(institutionsTable).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list institutions query: %w", err)
	}

	rows, err := r.querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list institutions: %w", err)
	}
	defer rows.Close()

	var institutions []Institution
	for rows.Next() {
		var inst Institution
		if err := rows.Scan(&inst.InstitutionID, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan institution row: %w", err)
		}
		institutions = append(institutions, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read institution rows: %w", err)
	}
	return institutions, nil
}

// SeedInstitution inserts a supported institution if it is not present.
// Existing rows are left untouched.
func (r *InstitutionRepo) SeedInstitution(ctx context.Context, institutionID, name string) error {
	query, args, err := psql.Insert(institutionsTable).
		Columns("institution_id", "name").
		Values(institutionID, name).
		Suffix("ON CONFLICT (institution_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build seed institution query: %w", err)
	}
	if _, err := r.querier.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to seed institution %s: %w", name, err)
	}
	return nil
}

// CreateInstrument records an instrument's symbol and display name so
// later holdings lookups can skip the brokerage round trips. Re-creating
// an instrument refreshes its name and symbol to the latest observation.
func (r *InstitutionRepo) CreateInstrument(ctx context.Context, instrumentID, name, symbol string) error {
	query, args, err := psql.Insert(instrumentsTable).
		Columns("instrument_id", "name", "symbol").
		Values(instrumentID, name, symbol).
		Suffix(`ON CONFLICT (instrument_id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			updated_at = now()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build create instrument query: %w", err)
	}
	if _, err := r.querier.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create instrument %s: %w", instrumentID, err)
	}
	return nil
}

// ListInstruments returns the cached instruments among instrumentIDs.
func (r *InstitutionRepo) ListInstruments(ctx context.Context, instrumentIDs []string) ([]Instrument, error) {
	if len(instrumentIDs) == 0 {
		return nil, nil
	}

	query, args, err := psql.Select("instrument_id", "name", "symbol", "created_at", "updated_at").
		From(instrumentsTable).
		Where(sq.Eq{"instrument_id": instrumentIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list instruments query: %w", err)
	}

	rows, err := r.querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var instruments []Instrument
	for rows.Next() {
		var inst Instrument
		if err := rows.Scan(&inst.InstrumentID, &inst.Name, &inst.Symbol, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument row: %w", err)
		}
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instrument rows: %w", err)
	}
	return instruments, nil
}

func scanConnection(s scanner) (*Connection, error) {
	var c Connection
	err := s.Scan(
		&c.ConnectionID, &c.InstitutionID, &c.UserID, &c.Username, &c.Password,
		&c.JSONWebToken, &c.RefreshToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
