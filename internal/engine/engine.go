/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

// Package engine contains the reconciliation logic that applies one
// provider's directory snapshot to an LDAP tree.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/core"
	"github.com/cloudoa/dirsync/internal/ldap"
	"github.com/cloudoa/dirsync/internal/provider"
	"github.com/cloudoa/dirsync/internal/store"
)

// Directory is the subset of *ldap.Client that the engine uses. In tests,
// the real implementation is swapped for an in-memory double.
type Directory interface {
	EnsureOU(dn string) error
	AddObject(dn string, objectClasses []string, attrs map[string][]string) error
	AddUser(dn string, attrs map[string][]string) error
	ModifyAttributes(dn string, attrs map[string][]string) error
	MoveObject(oldDN, newDN string) error
	SearchTaggedDepartments(baseDN, tagPrefix string) ([]ldap.Entry, error)
	SearchTaggedUsers(baseDN, tagPrefix string) ([]ldap.Entry, error)
	Close() error
}

// Engine executes sync runs. The function fields default to the production
// implementations and are swappable for tests.
type Engine struct {
	Repo store.Repository

	// NewProviderClient builds the API client for a provider tenant.
	NewProviderClient func(core.ProviderSettings) (provider.Client, error)
	// ConnectDirectory opens a bound connection to the target LDAP server.
	ConnectDirectory func(core.LDAPConfig) (Directory, error)
}

// New builds an Engine with the production provider and LDAP factories.
func New(repo store.Repository) *Engine {
	return &Engine{
		Repo:              repo,
		NewProviderClient: provider.New,
		ConnectDirectory: func(cfg core.LDAPConfig) (Directory, error) {
			conn, err := ldap.Connect(cfg)
			if err != nil {
				return nil, err
			}
			return ldap.NewClient(conn), nil
		},
	}
}

// Sync executes one run for the given sync config. Every run that gets a
// SyncLog record seals it exactly once; the returned log is the sealed state.
// The returned error is non-nil if the run failed outright or if any object
// could not be reconciled.
func (e *Engine) Sync(ctx context.Context, configID uuid.UUID) (core.SyncLog, error) {
	cfg, err := e.Repo.GetSyncConfig(ctx, configID)
	if err != nil {
		return core.SyncLog{}, err
	}

	syncLog := core.SyncLog{
		ID:        uuid.New(),
		ConfigID:  cfg.ID,
		StartedAt: time.Now().UTC(),
	}
	err = e.Repo.CreateSyncLog(ctx, syncLog)
	if err != nil {
		return core.SyncLog{}, fmt.Errorf("cannot create sync log: %w", err)
	}

	r := &run{
		engine:  e,
		cfg:     cfg,
		syncLog: syncLog,
	}
	runErr := r.execute(ctx)

	finished := time.Now().UTC()
	r.syncLog.FinishedAt = &finished
	r.syncLog.Success = runErr == nil && r.errs.IsEmpty()
	err = e.Repo.SealSyncLog(ctx, r.syncLog)
	if err != nil {
		logg.Error("cannot seal sync log %s: %s", r.syncLog.ID, err.Error())
	}

	if runErr == nil {
		err = e.Repo.UpdateLastSyncTime(ctx, cfg.ID, r.syncLog.StartedAt)
		if err != nil {
			logg.Error("cannot update last sync time of config %s: %s", cfg.ID, err.Error())
		}
	}

	if runErr != nil {
		return r.syncLog, runErr
	}
	if !r.errs.IsEmpty() {
		return r.syncLog, fmt.Errorf("sync of config %q finished with errors: %s", cfg.Name, r.errs.Join("; "))
	}
	logg.Info("sync of config %q finished: %d departments, %d users",
		cfg.Name, r.syncLog.DepartmentsSynced, r.syncLog.UsersSynced)
	return r.syncLog, nil
}
