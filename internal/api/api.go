/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

// Package api exposes the HTTP endpoints for triggering syncs and reading
// audit logs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/scheduler"
	"github.com/cloudoa/dirsync/internal/store"
)

// defaultLogListLimit bounds the log listing when no limit is given.
const defaultLogListLimit = 20

// API bundles the HTTP handlers.
type API struct {
	repo  store.Repository
	sched *scheduler.Scheduler
}

// New builds the API.
func New(repo store.Repository, sched *scheduler.Scheduler) *API {
	return &API{repo: repo, sched: sched}
}

// Router builds the HTTP routing for all endpoints.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Methods("POST").Path("/api/v1/sync/{config_id}/run").HandlerFunc(a.handleRunSync)
	r.Methods("GET").Path("/api/v1/sync/{config_id}/logs").HandlerFunc(a.handleListSyncLogs)
	r.Methods("GET").Path("/api/v1/logs/{log_id}/details").HandlerFunc(a.handleListSyncLogDetails)
	r.Methods("GET").Path("/healthz").HandlerFunc(a.handleHealthz)
	return r
}

func (a *API) handleRunSync(w http.ResponseWriter, r *http.Request) {
	configID, ok := parseUUID(w, r, "config_id")
	if !ok {
		return
	}

	syncLog, err := a.sched.RunNow(r.Context(), configID)
	switch {
	case errors.Is(err, scheduler.ErrRunActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil && syncLog.ID == uuid.Nil:
		logg.Error("manual sync of config %s failed before starting: %s", configID, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		// the run took place; its outcome (including failure) is in the log
		respondJSON(w, syncLog)
	}
}

func (a *API) handleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	configID, ok := parseUUID(w, r, "config_id")
	if !ok {
		return
	}
	limit := defaultLogListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	logs, err := a.repo.ListSyncLogs(r.Context(), configID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, logs)
}

func (a *API) handleListSyncLogDetails(w http.ResponseWriter, r *http.Request) {
	logID, ok := parseUUID(w, r, "log_id")
	if !ok {
		return
	}
	details, err := a.repo.ListSyncLogDetails(r.Context(), logID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, details)
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

func parseUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		logg.Error("cannot encode response: %s", err.Error())
	}
}
