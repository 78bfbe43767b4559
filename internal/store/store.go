/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

// Package store persists sync configurations and audit logs. Two
// implementations exist: a Postgres-backed one for regular deployments, and a
// JSON-file-backed one for small setups without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cloudoa/dirsync/internal/core"
)

// ErrNotFound is returned by lookups for objects that do not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistence contract used by the sync engine, the
// scheduler and the HTTP API.
type Repository interface {
	GetLDAPConfig(ctx context.Context, id uuid.UUID) (core.LDAPConfig, error)
	GetSyncConfig(ctx context.Context, id uuid.UUID) (core.SyncConfig, error)
	// ListEnabledSyncConfigs returns all enabled sync configs, for the
	// scheduler to build its schedule from.
	ListEnabledSyncConfigs(ctx context.Context) ([]core.SyncConfig, error)
	GetProviderSettings(ctx context.Context, kind core.ProviderKind) (core.ProviderSettings, error)
	// UpdateLastSyncTime records the start of the most recent run on the
	// sync config.
	UpdateLastSyncTime(ctx context.Context, configID uuid.UUID, startedAt time.Time) error

	// CreateSyncLog inserts the open log record for a starting run.
	CreateSyncLog(ctx context.Context, log core.SyncLog) error
	// SealSyncLog writes the final state of a run. It is called exactly once
	// per run.
	SealSyncLog(ctx context.Context, log core.SyncLog) error
	// AppendSyncLogDetail appends one audit row to a run. Rows are never
	// updated or removed.
	AppendSyncLogDetail(ctx context.Context, detail core.SyncLogDetail) error
	// ListSyncLogs returns the most recent runs of one config, newest first.
	// A limit of 0 means no limit.
	ListSyncLogs(ctx context.Context, configID uuid.UUID, limit int) ([]core.SyncLog, error)
	// ListSyncLogDetails returns the audit rows of one run in insertion
	// order.
	ListSyncLogDetails(ctx context.Context, syncLogID uuid.UUID) ([]core.SyncLogDetail, error)
}
