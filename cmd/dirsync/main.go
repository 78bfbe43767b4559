/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"

	"github.com/cloudoa/dirsync/internal/api"
	"github.com/cloudoa/dirsync/internal/engine"
	"github.com/cloudoa/dirsync/internal/scheduler"
	"github.com/cloudoa/dirsync/internal/store"
)

func main() {
	logg.ShowDebug = os.Getenv("DIRSYNC_DEBUG") == "true"

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, fileStore := buildRepository()
	eng := engine.New(repo)
	sched := scheduler.New(repo, eng)

	if fileStore != nil {
		//file-based deployments are edited externally; pick up config changes
		go func() {
			must.Succeed(fileStore.Watch(ctx, sched.Refresh))
		}()
	}
	go sched.Run(ctx)

	listenAddr := os.Getenv("DIRSYNC_HTTP_LISTEN")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.New(repo, sched).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			logg.Error("HTTP server shutdown failed: %s", err.Error())
		}
	}()

	logg.Info("listening on %s", listenAddr)
	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logg.Fatal(err.Error())
	}
}

// buildRepository selects the store backend: Postgres when DIRSYNC_DB_URI is
// set, otherwise a JSON file below DIRSYNC_STATE_DIR. The second return value
// is non-nil only for the file backend, which needs its change watcher
// started.
func buildRepository() (store.Repository, *store.FileStore) {
	if dsn := os.Getenv("DIRSYNC_DB_URI"); dsn != "" {
		return must.Return(store.NewSQLStore(dsn)), nil
	}

	stateDir := os.Getenv("DIRSYNC_STATE_DIR")
	if stateDir == "" {
		stateDir = "."
	}
	fileStore := must.Return(store.NewFileStore(filepath.Join(stateDir, "dirsync.json")))
	return fileStore, fileStore
}
