/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudoa/dirsync/internal/core"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dirsync.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	return s
}

func TestFileStoreInitializesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirsync.json")
	_, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// a second instance reads the file written by the first
	s, err := NewFileStore(path)
	require.NoError(t, err)
	cfgs, err := s.ListEnabledSyncConfigs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestFileStoreRejectsUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":2}`), 0600))
	_, err := NewFileStore(path)
	assert.ErrorContains(t, err, "schema version 2")
}

func TestFileStoreConfigRoundtrip(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	ldapCfg := core.LDAPConfig{
		ID:        uuid.New(),
		ServerURI: "ldap://ldap.example.org",
		BindDN:    "cn=admin,dc=example,dc=org",
		BaseDN:    "dc=example,dc=org",
		Enabled:   true,
	}
	require.NoError(t, s.UpsertLDAPConfig(ldapCfg))

	syncCfg := core.SyncConfig{
		ID:           uuid.New(),
		Name:         "hq",
		ProviderKind: core.ProviderWeCom,
		LDAPConfigID: ldapCfg.ID,
		SyncUsers:    true,
		UserOU:       "ou=people,dc=example,dc=org",
		Frequency:    core.FrequencyDaily,
		Enabled:      true,
	}
	require.NoError(t, s.UpsertSyncConfig(syncCfg))
	require.NoError(t, s.UpsertSyncConfig(core.SyncConfig{
		ID: uuid.New(), Name: "disabled", ProviderKind: core.ProviderFeishu,
		Frequency: core.FrequencyManual, Enabled: false,
	}))

	got, err := s.GetLDAPConfig(ctx, ldapCfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ldapCfg, got)

	_, err = s.GetLDAPConfig(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))

	enabled, err := s.ListEnabledSyncConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "hq", enabled[0].Name)

	// the state survives a reload from disk
	reloaded, err := NewFileStore(s.path)
	require.NoError(t, err)
	got, err = reloaded.GetLDAPConfig(ctx, ldapCfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ldapCfg, got)
}

func TestFileStoreProviderSettings(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	settings := core.ProviderSettings{
		Kind: core.ProviderDingTalk, Enabled: true, SyncEnabled: true,
		ClientID: "key1", ClientSecret: "secret1",
	}
	require.NoError(t, s.UpsertProviderSettings(settings))

	got, err := s.GetProviderSettings(ctx, core.ProviderDingTalk)
	require.NoError(t, err)
	assert.Equal(t, settings, got)

	_, err = s.GetProviderSettings(ctx, core.ProviderWeCom)
	assert.True(t, errors.Is(err, ErrNotFound))

	// upsert replaces in place
	settings.ClientSecret = "rotated"
	require.NoError(t, s.UpsertProviderSettings(settings))
	got, err = s.GetProviderSettings(ctx, core.ProviderDingTalk)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.ClientSecret)
}

func TestFileStoreSyncLogLifecycle(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	configID := uuid.New()

	log := core.SyncLog{
		ID:        uuid.New(),
		ConfigID:  configID,
		StartedAt: time.Now().Add(-time.Minute).UTC(),
	}
	require.NoError(t, s.CreateSyncLog(ctx, log))

	detail := core.SyncLogDetail{
		ID:         uuid.New(),
		SyncLogID:  log.ID,
		ObjectType: core.ObjectTypeDepartment,
		Action:     core.ActionCreate,
		ObjectID:   "42",
		ObjectName: "研发部",
		NewData:    map[string]string{"dn": "ou=研发部,dc=example,dc=org"},
		Details:    "created department",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.AppendSyncLogDetail(ctx, detail))

	finished := time.Now().UTC()
	log.FinishedAt = &finished
	log.Success = true
	log.DepartmentsSynced = 1
	require.NoError(t, s.SealSyncLog(ctx, log))

	logs, err := s.ListSyncLogs(ctx, configID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 1, logs[0].DepartmentsSynced)

	details, err := s.ListSyncLogDetails(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "研发部", details[0].ObjectName)

	err = s.SealSyncLog(ctx, core.SyncLog{ID: uuid.New()})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreListSyncLogsOrderAndLimit(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	configID := uuid.New()

	base := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	for day := 0; day < 3; day++ {
		require.NoError(t, s.CreateSyncLog(ctx, core.SyncLog{
			ID:        uuid.New(),
			ConfigID:  configID,
			StartedAt: base.AddDate(0, 0, day),
		}))
	}
	require.NoError(t, s.CreateSyncLog(ctx, core.SyncLog{
		ID: uuid.New(), ConfigID: uuid.New(), StartedAt: base,
	}))

	logs, err := s.ListSyncLogs(ctx, configID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].StartedAt.After(logs[1].StartedAt))
	assert.Equal(t, base.AddDate(0, 0, 2), logs[0].StartedAt)
}

func TestFileStoreUpdateLastSyncTime(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	cfg := core.SyncConfig{
		ID: uuid.New(), Name: "hq", ProviderKind: core.ProviderWeCom,
		Frequency: core.FrequencyHourly, Enabled: true,
	}
	require.NoError(t, s.UpsertSyncConfig(cfg))

	startedAt := time.Now().UTC()
	require.NoError(t, s.UpdateLastSyncTime(ctx, cfg.ID, startedAt))
	got, err := s.GetSyncConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncTime)
	assert.Equal(t, startedAt, *got.LastSyncTime)

	err = s.UpdateLastSyncTime(ctx, uuid.New(), startedAt)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreWatchDetectsExternalChange(t *testing.T) {
	s := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()
	time.Sleep(50 * time.Millisecond) //give the watcher time to start

	// simulate an external editor: rewrite the file with an added config
	other, err := NewFileStore(s.path)
	require.NoError(t, err)
	require.NoError(t, other.UpsertSyncConfig(core.SyncConfig{
		ID: uuid.New(), Name: "external", ProviderKind: core.ProviderFeishu,
		Frequency: core.FrequencyManual, Enabled: true,
	}))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("change notification did not arrive")
	}

	cfgs, err := s.ListEnabledSyncConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "external", cfgs[0].Name)

	cancel()
	require.NoError(t, <-done)
}
