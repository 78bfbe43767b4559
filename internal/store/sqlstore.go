/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cloudoa/dirsync/internal/core"
)

// sqlSchema is applied on startup. All statements are idempotent.
const sqlSchema = `
	CREATE TABLE IF NOT EXISTS ldap_configs (
		id            UUID PRIMARY KEY,
		server_uri    TEXT NOT NULL,
		bind_dn       TEXT NOT NULL,
		bind_password TEXT NOT NULL,
		base_dn       TEXT NOT NULL,
		use_ssl       BOOLEAN NOT NULL DEFAULT FALSE,
		enabled       BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS sync_configs (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL,
		provider_kind    TEXT NOT NULL,
		ldap_config_id   UUID NOT NULL REFERENCES ldap_configs(id),
		sync_users       BOOLEAN NOT NULL DEFAULT TRUE,
		sync_departments BOOLEAN NOT NULL DEFAULT TRUE,
		user_ou          TEXT NOT NULL DEFAULT '',
		department_ou    TEXT NOT NULL DEFAULT '',
		frequency        TEXT NOT NULL DEFAULT 'manual',
		last_sync_time   TIMESTAMPTZ,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS provider_settings (
		kind          TEXT PRIMARY KEY,
		enabled       BOOLEAN NOT NULL DEFAULT TRUE,
		sync_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
		corp_id       TEXT NOT NULL DEFAULT '',
		agent_id      TEXT NOT NULL DEFAULT '',
		secret        TEXT NOT NULL DEFAULT '',
		app_id        TEXT NOT NULL DEFAULT '',
		app_secret    TEXT NOT NULL DEFAULT '',
		client_id     TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id                 UUID PRIMARY KEY,
		config_id          UUID NOT NULL REFERENCES sync_configs(id),
		started_at         TIMESTAMPTZ NOT NULL,
		finished_at        TIMESTAMPTZ,
		success            BOOLEAN NOT NULL DEFAULT FALSE,
		users_synced       INTEGER NOT NULL DEFAULT 0,
		departments_synced INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sync_logs_config ON sync_logs (config_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS sync_log_details (
		id          UUID PRIMARY KEY,
		sync_log_id UUID NOT NULL REFERENCES sync_logs(id),
		object_type TEXT NOT NULL,
		action      TEXT NOT NULL,
		object_id   TEXT NOT NULL DEFAULT '',
		object_name TEXT NOT NULL DEFAULT '',
		old_data    JSONB,
		new_data    JSONB,
		details     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_details_log ON sync_log_details (sync_log_id, created_at);
`

// SQLStore implements Repository on a Postgres database.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects to the database and applies the schema.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to database: %w", err)
	}
	_, err = db.Exec(sqlSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot apply database schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// jsonMap stores a string map as JSONB.
type jsonMap map[string]string

// Value implements the driver.Valuer interface.
func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface.
func (m *jsonMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	buf, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into jsonMap", src)
	}
	return json.Unmarshal(buf, m)
}

// GetLDAPConfig implements the Repository interface.
func (s *SQLStore) GetLDAPConfig(ctx context.Context, id uuid.UUID) (core.LDAPConfig, error) {
	var cfg core.LDAPConfig
	err := s.db.GetContext(ctx, &cfg, `SELECT * FROM ldap_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LDAPConfig{}, fmt.Errorf("ldap config %s: %w", id, ErrNotFound)
	}
	return cfg, err
}

// GetSyncConfig implements the Repository interface.
func (s *SQLStore) GetSyncConfig(ctx context.Context, id uuid.UUID) (core.SyncConfig, error) {
	var cfg core.SyncConfig
	err := s.db.GetContext(ctx, &cfg, `SELECT * FROM sync_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SyncConfig{}, fmt.Errorf("sync config %s: %w", id, ErrNotFound)
	}
	return cfg, err
}

// ListEnabledSyncConfigs implements the Repository interface.
func (s *SQLStore) ListEnabledSyncConfigs(ctx context.Context) ([]core.SyncConfig, error) {
	var cfgs []core.SyncConfig
	err := s.db.SelectContext(ctx, &cfgs, `SELECT * FROM sync_configs WHERE enabled ORDER BY name`)
	return cfgs, err
}

// GetProviderSettings implements the Repository interface.
func (s *SQLStore) GetProviderSettings(ctx context.Context, kind core.ProviderKind) (core.ProviderSettings, error) {
	var settings core.ProviderSettings
	err := s.db.GetContext(ctx, &settings, `SELECT * FROM provider_settings WHERE kind = $1`, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ProviderSettings{}, fmt.Errorf("provider settings for %s: %w", kind, ErrNotFound)
	}
	return settings, err
}

// UpdateLastSyncTime implements the Repository interface.
func (s *SQLStore) UpdateLastSyncTime(ctx context.Context, configID uuid.UUID, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_configs SET last_sync_time = $2 WHERE id = $1`, configID, startedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("sync config %s: %w", configID, ErrNotFound)
	}
	return err
}

// CreateSyncLog implements the Repository interface.
func (s *SQLStore) CreateSyncLog(ctx context.Context, log core.SyncLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_logs (id, config_id, started_at, finished_at, success, users_synced, departments_synced)
		VALUES (:id, :config_id, :started_at, :finished_at, :success, :users_synced, :departments_synced)
	`, log)
	return err
}

// SealSyncLog implements the Repository interface.
func (s *SQLStore) SealSyncLog(ctx context.Context, log core.SyncLog) error {
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE sync_logs SET finished_at = :finished_at, success = :success,
			users_synced = :users_synced, departments_synced = :departments_synced
		WHERE id = :id
	`, log)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("sync log %s: %w", log.ID, ErrNotFound)
	}
	return err
}

type syncLogDetailRow struct {
	core.SyncLogDetail
	OldDataJSON jsonMap `db:"old_data"`
	NewDataJSON jsonMap `db:"new_data"`
}

// AppendSyncLogDetail implements the Repository interface.
func (s *SQLStore) AppendSyncLogDetail(ctx context.Context, detail core.SyncLogDetail) error {
	row := syncLogDetailRow{
		SyncLogDetail: detail,
		OldDataJSON:   jsonMap(detail.OldData),
		NewDataJSON:   jsonMap(detail.NewData),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_log_details (id, sync_log_id, object_type, action, object_id, object_name, old_data, new_data, details, created_at)
		VALUES (:id, :sync_log_id, :object_type, :action, :object_id, :object_name, :old_data, :new_data, :details, :created_at)
	`, row)
	return err
}

// ListSyncLogs implements the Repository interface.
func (s *SQLStore) ListSyncLogs(ctx context.Context, configID uuid.UUID, limit int) ([]core.SyncLog, error) {
	query := `SELECT * FROM sync_logs WHERE config_id = $1 ORDER BY started_at DESC`
	args := []any{configID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var logs []core.SyncLog
	err := s.db.SelectContext(ctx, &logs, query, args...)
	return logs, err
}

// ListSyncLogDetails implements the Repository interface.
func (s *SQLStore) ListSyncLogDetails(ctx context.Context, syncLogID uuid.UUID) ([]core.SyncLogDetail, error) {
	var rows []syncLogDetailRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sync_log_details WHERE sync_log_id = $1 ORDER BY created_at, id`, syncLogID)
	if err != nil {
		return nil, err
	}
	details := make([]core.SyncLogDetail, len(rows))
	for idx, row := range rows {
		detail := row.SyncLogDetail
		detail.OldData = map[string]string(row.OldDataJSON)
		detail.NewData = map[string]string(row.NewDataJSON)
		details[idx] = detail
	}
	return details, nil
}
