/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frequency says how often a SyncConfig is executed by the scheduler.
type Frequency string

const (
	// FrequencyManual disables timer-driven runs; only the on-demand
	// trigger starts a sync.
	FrequencyManual Frequency = "manual"
	// FrequencyHourly runs at the top of every hour.
	FrequencyHourly Frequency = "hourly"
	// FrequencyDaily runs every day at 01:00 local time.
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly runs every Monday at 01:00 local time.
	FrequencyWeekly Frequency = "weekly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// LDAPConfig describes one downstream LDAP server.
type LDAPConfig struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ServerURI    string    `json:"server_uri" db:"server_uri"`
	BindDN       string    `json:"bind_dn" db:"bind_dn"`
	BindPassword string    `json:"bind_password" db:"bind_password"`
	BaseDN       string    `json:"base_dn" db:"base_dn"`
	UseSSL       bool      `json:"use_ssl" db:"use_ssl"`
	Enabled      bool      `json:"enabled" db:"enabled"`
}

// Validate checks the fields that the sync engine depends on.
func (c LDAPConfig) Validate() error {
	if c.ServerURI == "" {
		return errors.New("ldap config: server_uri is missing")
	}
	if c.BindDN == "" {
		return errors.New("ldap config: bind_dn is missing")
	}
	if c.BaseDN == "" {
		return errors.New("ldap config: base_dn is missing")
	}
	return nil
}

// SyncConfig describes one provider/LDAP pairing that can be synced.
// UserOU and DepartmentOU are single OU names below the LDAP config's base
// DN, e.g. "people" for "ou=people,<base_dn>".
type SyncConfig struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	ProviderKind    ProviderKind `json:"provider_kind" db:"provider_kind"`
	LDAPConfigID    uuid.UUID    `json:"ldap_config_id" db:"ldap_config_id"`
	SyncUsers       bool         `json:"sync_users" db:"sync_users"`
	SyncDepartments bool         `json:"sync_departments" db:"sync_departments"`
	UserOU          string       `json:"user_ou" db:"user_ou"`
	DepartmentOU    string       `json:"department_ou" db:"department_ou"`
	Frequency       Frequency    `json:"frequency" db:"frequency"`
	LastSyncTime    *time.Time   `json:"last_sync_time,omitempty" db:"last_sync_time"`
	Enabled         bool         `json:"enabled" db:"enabled"`
}

// Validate checks the invariants that must hold before a sync run may use
// this config.
func (c SyncConfig) Validate() error {
	if !c.ProviderKind.Valid() {
		return fmt.Errorf("sync config %q: unknown provider kind %q", c.Name, c.ProviderKind)
	}
	if !c.Frequency.Valid() {
		return fmt.Errorf("sync config %q: unknown frequency %q", c.Name, c.Frequency)
	}
	if c.SyncUsers && c.UserOU == "" {
		return fmt.Errorf("sync config %q: sync_users is set but user_ou is empty", c.Name)
	}
	if c.SyncDepartments && c.DepartmentOU == "" {
		return fmt.Errorf("sync config %q: sync_departments is set but department_ou is empty", c.Name)
	}
	return nil
}
