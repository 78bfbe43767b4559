/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

// Package scheduler drives timer-based sync runs. One Scheduler is
// constructed per process and shared between the timer loop and the HTTP API
// (for manual triggers).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/core"
	"github.com/cloudoa/dirsync/internal/store"
)

// ErrRunActive is returned by RunNow when a run for the same config is
// already in progress.
var ErrRunActive = errors.New("a sync run for this config is already active")

// Runner executes one sync run. *engine.Engine implements this.
type Runner interface {
	Sync(ctx context.Context, configID uuid.UUID) (core.SyncLog, error)
}

// Clock abstracts time for the scheduler loop, so that tests can drive it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const (
	// tickInterval is how often due configs are checked.
	tickInterval = time.Minute
	// startupDelay postpones the first schedule build, to let the rest of
	// the process (and its dependencies) come up first.
	startupDelay = 5 * time.Second
)

// Scheduler runs enabled sync configs at their configured frequency, and
// arbitrates manual triggers so that each config has at most one active run.
type Scheduler struct {
	repo   store.Repository
	runner Runner
	clock  Clock

	mu       sync.Mutex
	active   map[uuid.UUID]bool
	schedule map[uuid.UUID]time.Time //next due time per config
	wg       sync.WaitGroup
}

// New builds a Scheduler using the wall clock.
func New(repo store.Repository, runner Runner) *Scheduler {
	return NewWithClock(repo, runner, realClock{})
}

// NewWithClock builds a Scheduler with an explicit clock. Tests use this.
func NewWithClock(repo store.Repository, runner Runner, clock Clock) *Scheduler {
	return &Scheduler{
		repo:     repo,
		runner:   runner,
		clock:    clock,
		active:   make(map[uuid.UUID]bool),
		schedule: make(map[uuid.UUID]time.Time),
	}
}

// Run executes the scheduler loop until ctx expires, then waits for active
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	delay := startupDelay
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.clock.After(delay):
			delay = tickInterval
			s.tick(ctx)
		}
	}
}

// Refresh discards all scheduled due times, so that the next tick recomputes
// them from the current frequencies. This is called when sync configs change
// (e.g. by the store file watcher).
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = make(map[uuid.UUID]time.Time)
}

// RunNow executes one run synchronously, outside the timer schedule. It
// returns ErrRunActive if a run for the config is already in progress.
func (s *Scheduler) RunNow(ctx context.Context, configID uuid.UUID) (core.SyncLog, error) {
	if !s.tryAcquire(configID) {
		return core.SyncLog{}, ErrRunActive
	}
	defer s.release(configID)
	return s.runner.Sync(ctx, configID)
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	// the config set is reread on every tick, so that configs added or
	// re-enabled through the database show up without an explicit Refresh
	err := s.buildSchedule(ctx)
	if err != nil {
		s.mu.Unlock()
		logg.Error("cannot build sync schedule (will retry): %s", err.Error())
		return
	}

	now := s.clock.Now()
	var due []uuid.UUID
	for configID, next := range s.schedule {
		if !next.After(now) {
			due = append(due, configID)
			rescheduled := nextRunTime(s.frequencyOf(ctx, configID), now)
			if rescheduled.IsZero() {
				//the config has become manual (or vanished) since the last build
				delete(s.schedule, configID)
			} else {
				s.schedule[configID] = rescheduled
			}
		}
	}
	s.mu.Unlock()

	for _, configID := range due {
		s.startScheduledRun(ctx, configID)
	}
}

// frequencyOf looks up the current frequency of a config for rescheduling.
// The caller must hold s.mu.
func (s *Scheduler) frequencyOf(ctx context.Context, configID uuid.UUID) core.Frequency {
	cfg, err := s.repo.GetSyncConfig(ctx, configID)
	if err != nil {
		return core.FrequencyManual
	}
	return cfg.Frequency
}

// buildSchedule recomputes the due times of all enabled configs. The caller
// must hold s.mu.
func (s *Scheduler) buildSchedule(ctx context.Context) error {
	cfgs, err := s.repo.ListEnabledSyncConfigs(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	schedule := make(map[uuid.UUID]time.Time, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Frequency == core.FrequencyManual || !cfg.Frequency.Valid() {
			continue
		}
		// a schedule rebuild keeps the existing due time, so that edits to
		// unrelated configs do not postpone pending runs
		if next, ok := s.schedule[cfg.ID]; ok {
			schedule[cfg.ID] = next
		} else {
			schedule[cfg.ID] = nextRunTime(cfg.Frequency, now)
		}
	}
	s.schedule = schedule
	logg.Debug("sync schedule built: %d timed configs", len(schedule))
	return nil
}

// startScheduledRun launches one run in the background. If the previous run
// of the config is still active, the trigger is dropped.
func (s *Scheduler) startScheduledRun(ctx context.Context, configID uuid.UUID) {
	if !s.tryAcquire(configID) {
		logg.Info("skipping scheduled sync of config %s: previous run still active", configID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(configID)
		_, err := s.runner.Sync(ctx, configID)
		if err != nil {
			logg.Error("scheduled sync of config %s failed: %s", configID, err.Error())
		}
	}()
}

func (s *Scheduler) tryAcquire(configID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[configID] {
		return false
	}
	s.active[configID] = true
	return true
}

func (s *Scheduler) release(configID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, configID)
}

// nextRunTime computes the next due time strictly after `from`.
func nextRunTime(freq core.Frequency, from time.Time) time.Time {
	switch freq {
	case core.FrequencyHourly:
		return from.Truncate(time.Hour).Add(time.Hour)
	case core.FrequencyDaily:
		next := time.Date(from.Year(), from.Month(), from.Day(), 1, 0, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case core.FrequencyWeekly:
		next := time.Date(from.Year(), from.Month(), from.Day(), 1, 0, 0, 0, from.Location())
		for next.Weekday() != time.Monday || !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		// manual configs are never scheduled
		return time.Time{}
	}
}
