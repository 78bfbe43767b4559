/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/core"
)

// persistedStore is what gets persisted into the store file.
type persistedStore struct {
	LDAPConfigs      []core.LDAPConfig       `json:"ldap_configs"`
	SyncConfigs      []core.SyncConfig       `json:"sync_configs"`
	ProviderSettings []core.ProviderSettings `json:"provider_settings"`
	SyncLogs         []core.SyncLog          `json:"sync_logs"`
	SyncLogDetails   []core.SyncLogDetail    `json:"sync_log_details"`
	SchemaVersion    uint                    `json:"schema_version"`
}

// FileStore implements Repository on a single JSON file. It is intended for
// small deployments that do not want to run a database; the Postgres-backed
// SQLStore is the default.
type FileStore struct {
	path string

	mu   sync.RWMutex
	data persistedStore
	//known contents of the store file, to avoid useless rewrites and to skip
	//change notifications for our own writes
	diskState []byte
}

// NewFileStore loads (or initializes) the store file at the given path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	err := s.load()
	if os.IsNotExist(err) {
		s.data = persistedStore{SchemaVersion: 1}
		err = s.save()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var data persistedStore
	err = json.Unmarshal(buf, &data)
	if err != nil {
		return fmt.Errorf("cannot parse store file %s: %w", s.path, err)
	}
	if data.SchemaVersion != 1 {
		return fmt.Errorf("store file %s has schema version %d, but only schema version 1 is understood", s.path, data.SchemaVersion)
	}
	s.data = data
	s.diskState = buf
	return nil
}

// save writes the store file atomically. The caller must hold s.mu.
func (s *FileStore) save() error {
	buf, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	if bytes.Equal(buf, s.diskState) {
		return nil
	}

	tmpPath := filepath.Join(
		filepath.Dir(s.path),
		fmt.Sprintf(".%s.%d", filepath.Base(s.path), os.Getpid()),
	)
	err = os.WriteFile(tmpPath, buf, 0600)
	if err != nil {
		return err
	}
	err = os.Rename(tmpPath, s.path)
	if err != nil {
		return err
	}
	s.diskState = buf
	return nil
}

// Watch reloads the store file whenever it changes on disk, then calls
// onChange. It blocks until ctx expires. Edits made through this process are
// not reported.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := makeWatcher(s.path)
	if err != nil {
		return err
	}
	//the watcher is recreated after every event, so the deferred cleanup must
	//resolve the variable late
	defer func() { watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			return fmt.Errorf("error while watching %s for changes: %w", s.path, err)
		case <-watcher.Events:
			//wait for whatever is updating the file to complete
			time.Sleep(25 * time.Millisecond)

			s.mu.Lock()
			buf, readErr := os.ReadFile(s.path)
			changed := readErr == nil && !bytes.Equal(buf, s.diskState)
			if changed {
				loadErr := s.load()
				if loadErr != nil {
					logg.Error("while reloading %s: %s", s.path, loadErr.Error())
					changed = false
				}
			}
			s.mu.Unlock()

			//recreate the watcher (the original file might be gone if it was
			//updated by an atomic rename like we do in save())
			err := watcher.Close()
			if err != nil {
				return err
			}
			watcher, err = makeWatcher(s.path)
			if err != nil {
				return err
			}

			if changed {
				onChange()
			}
		}
	}
}

func makeWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot initialize filesystem watcher: %w", err)
	}
	err = watcher.Add(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("cannot setup filesystem watcher on %s: %w", path, err)
	}
	return watcher, nil
}

// GetLDAPConfig implements the Repository interface.
func (s *FileStore) GetLDAPConfig(_ context.Context, id uuid.UUID) (core.LDAPConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.data.LDAPConfigs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return core.LDAPConfig{}, fmt.Errorf("ldap config %s: %w", id, ErrNotFound)
}

// GetSyncConfig implements the Repository interface.
func (s *FileStore) GetSyncConfig(_ context.Context, id uuid.UUID) (core.SyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.data.SyncConfigs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return core.SyncConfig{}, fmt.Errorf("sync config %s: %w", id, ErrNotFound)
}

// ListEnabledSyncConfigs implements the Repository interface.
func (s *FileStore) ListEnabledSyncConfigs(_ context.Context) ([]core.SyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cfgs []core.SyncConfig
	for _, cfg := range s.data.SyncConfigs {
		if cfg.Enabled {
			cfgs = append(cfgs, cfg)
		}
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	return cfgs, nil
}

// GetProviderSettings implements the Repository interface.
func (s *FileStore) GetProviderSettings(_ context.Context, kind core.ProviderKind) (core.ProviderSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, settings := range s.data.ProviderSettings {
		if settings.Kind == kind {
			return settings, nil
		}
	}
	return core.ProviderSettings{}, fmt.Errorf("provider settings for %s: %w", kind, ErrNotFound)
}

// UpdateLastSyncTime implements the Repository interface.
func (s *FileStore) UpdateLastSyncTime(_ context.Context, configID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, cfg := range s.data.SyncConfigs {
		if cfg.ID == configID {
			s.data.SyncConfigs[idx].LastSyncTime = &startedAt
			return s.save()
		}
	}
	return fmt.Errorf("sync config %s: %w", configID, ErrNotFound)
}

// CreateSyncLog implements the Repository interface.
func (s *FileStore) CreateSyncLog(_ context.Context, log core.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SyncLogs = append(s.data.SyncLogs, log)
	return s.save()
}

// SealSyncLog implements the Repository interface.
func (s *FileStore) SealSyncLog(_ context.Context, log core.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, existing := range s.data.SyncLogs {
		if existing.ID == log.ID {
			s.data.SyncLogs[idx] = log
			return s.save()
		}
	}
	return fmt.Errorf("sync log %s: %w", log.ID, ErrNotFound)
}

// AppendSyncLogDetail implements the Repository interface.
func (s *FileStore) AppendSyncLogDetail(_ context.Context, detail core.SyncLogDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SyncLogDetails = append(s.data.SyncLogDetails, detail)
	return s.save()
}

// ListSyncLogs implements the Repository interface.
func (s *FileStore) ListSyncLogs(_ context.Context, configID uuid.UUID, limit int) ([]core.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []core.SyncLog
	for _, log := range s.data.SyncLogs {
		if log.ConfigID == configID {
			logs = append(logs, log)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].StartedAt.After(logs[j].StartedAt) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// ListSyncLogDetails implements the Repository interface.
func (s *FileStore) ListSyncLogDetails(_ context.Context, syncLogID uuid.UUID) ([]core.SyncLogDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var details []core.SyncLogDetail
	for _, detail := range s.data.SyncLogDetails {
		if detail.SyncLogID == syncLogID {
			details = append(details, detail)
		}
	}
	return details, nil
}

// UpsertLDAPConfig stores or replaces an LDAP config. This is used for
// seeding file-based deployments.
func (s *FileStore) UpsertLDAPConfig(cfg core.LDAPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, existing := range s.data.LDAPConfigs {
		if existing.ID == cfg.ID {
			s.data.LDAPConfigs[idx] = cfg
			return s.save()
		}
	}
	s.data.LDAPConfigs = append(s.data.LDAPConfigs, cfg)
	return s.save()
}

// UpsertSyncConfig stores or replaces a sync config.
func (s *FileStore) UpsertSyncConfig(cfg core.SyncConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, existing := range s.data.SyncConfigs {
		if existing.ID == cfg.ID {
			s.data.SyncConfigs[idx] = cfg
			return s.save()
		}
	}
	s.data.SyncConfigs = append(s.data.SyncConfigs, cfg)
	return s.save()
}

// UpsertProviderSettings stores or replaces one provider's settings.
func (s *FileStore) UpsertProviderSettings(settings core.ProviderSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, existing := range s.data.ProviderSettings {
		if existing.Kind == settings.Kind {
			s.data.ProviderSettings[idx] = settings
			return s.save()
		}
	}
	s.data.ProviderSettings = append(s.data.ProviderSettings, settings)
	return s.save()
}
