/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package core

import (
	"time"

	"github.com/google/uuid"
)

// ObjectType classifies which kind of object a SyncLogDetail describes.
type ObjectType string

const (
	ObjectTypeUser       ObjectType = "user"
	ObjectTypeDepartment ObjectType = "department"
	ObjectTypeSystem     ObjectType = "system"
)

// Action classifies what the engine decided to do for one object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
	ActionInfo   Action = "info"
	ActionError  Action = "error"
)

// SyncLog is the record of one end-to-end sync run. It is created with
// Success=false when the run starts and sealed exactly once when the run
// ends, whichever way it ends.
type SyncLog struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	ConfigID          uuid.UUID  `json:"config_id" db:"config_id"`
	StartedAt         time.Time  `json:"started_at" db:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Success           bool       `json:"success" db:"success"`
	UsersSynced       int        `json:"users_synced" db:"users_synced"`
	DepartmentsSynced int        `json:"departments_synced" db:"departments_synced"`
}

// SyncLogDetail is one decision made during a run: an attempted mutation and
// its intended effect, or a run-level info/error event. Rows are append-only.
type SyncLogDetail struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	SyncLogID  uuid.UUID         `json:"sync_log_id" db:"sync_log_id"`
	ObjectType ObjectType        `json:"object_type" db:"object_type"`
	Action     Action            `json:"action" db:"action"`
	ObjectID   string            `json:"object_id" db:"object_id"`
	ObjectName string            `json:"object_name" db:"object_name"`
	OldData    map[string]string `json:"old_data,omitempty" db:"-"`
	NewData    map[string]string `json:"new_data,omitempty" db:"-"`
	Details    string            `json:"details" db:"details"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}
