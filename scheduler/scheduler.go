// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package scheduler decides which feeds are due and tracks their outcomes.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// ErrNotRegistered is raised by operations on unknown feeds.
	ErrNotRegistered = errs.Class("feed not registered")

	// ErrAlreadyRegistered is raised by duplicate registration.
	ErrAlreadyRegistered = errs.Class("feed already registered")

	mon = monkit.Package()
)

// ScheduleInfo is the per-feed scheduling state.
type ScheduleInfo struct {
	FeedName string        `json:"feed_name"`
	Interval time.Duration `json:"interval"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	Enabled             bool              `json:"enabled"`
	RunCount            int               `json:"run_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// IsDue reports whether the feed should run at now: it is enabled and its
// next run is unset or in the past.
func (info *ScheduleInfo) IsDue(now time.Time) bool {
	return info.Enabled && (info.NextRun == nil || !info.NextRun.After(now))
}

// Scheduler manages a set of schedules. All mutating operations are
// serialized; it owns no timer, tick-based drivers poll GetDue.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*ScheduleInfo
	now       func() time.Time
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		schedules: map[string]*ScheduleInfo{},
		now:       time.Now,
	}
}

// SetNowFunc replaces the clock, for tests.
func (scheduler *Scheduler) SetNowFunc(now func() time.Time) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	scheduler.now = now
}

// Register adds a schedule for feedName running every interval.
func (scheduler *Scheduler) Register(feedName string, interval time.Duration, enabled bool, metadata map[string]string) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if _, ok := scheduler.schedules[feedName]; ok {
		return ErrAlreadyRegistered.New("%q", feedName)
	}
	scheduler.schedules[feedName] = &ScheduleInfo{
		FeedName: feedName,
		Interval: interval,
		Enabled:  enabled,
		Metadata: metadata,
	}
	return nil
}

// Unregister removes a schedule, reporting whether it existed.
func (scheduler *Scheduler) Unregister(feedName string) bool {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	_, ok := scheduler.schedules[feedName]
	delete(scheduler.schedules, feedName)
	return ok
}

// Get returns a copy of feedName's schedule, or nil when unknown.
func (scheduler *Scheduler) Get(feedName string) *ScheduleInfo {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	info, ok := scheduler.schedules[feedName]
	if !ok {
		return nil
	}
	clone := *info
	return &clone
}

// GetDue returns every enabled schedule whose next run is unset or in the
// past, in feed name order.
func (scheduler *Scheduler) GetDue() []*ScheduleInfo {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	now := scheduler.now()
	var due []*ScheduleInfo
	for _, info := range scheduler.schedules {
		if info.IsDue(now) {
			clone := *info
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FeedName < due[j].FeedName })
	return due
}

// GetAll returns a copy of every schedule, in feed name order.
func (scheduler *Scheduler) GetAll() []*ScheduleInfo {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	all := make([]*ScheduleInfo, 0, len(scheduler.schedules))
	for _, info := range scheduler.schedules {
		clone := *info
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FeedName < all[j].FeedName })
	return all
}

// MarkSuccess records a successful run: the next run moves one interval out
// and the failure streak resets.
func (scheduler *Scheduler) MarkSuccess(feedName string) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	info, ok := scheduler.schedules[feedName]
	if !ok {
		return ErrNotRegistered.New("%q", feedName)
	}
	now := scheduler.now()
	next := now.Add(info.Interval)
	info.LastRun = &now
	info.NextRun = &next
	info.RunCount++
	info.ConsecutiveFailures = 0
	return nil
}

// MarkFailure records a failed run. The next run is left unchanged, so the
// feed is retried at the next check; callers impose external backoff with
// UpdateInterval or Disable.
func (scheduler *Scheduler) MarkFailure(feedName string) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	info, ok := scheduler.schedules[feedName]
	if !ok {
		return ErrNotRegistered.New("%q", feedName)
	}
	info.ConsecutiveFailures++
	mon.Counter("scheduler_failures").Inc(1)
	return nil
}

// Enable turns a schedule on.
func (scheduler *Scheduler) Enable(feedName string) error {
	return scheduler.setEnabled(feedName, true)
}

// Disable turns a schedule off; GetDue stops yielding it.
func (scheduler *Scheduler) Disable(feedName string) error {
	return scheduler.setEnabled(feedName, false)
}

func (scheduler *Scheduler) setEnabled(feedName string, enabled bool) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	info, ok := scheduler.schedules[feedName]
	if !ok {
		return ErrNotRegistered.New("%q", feedName)
	}
	info.Enabled = enabled
	return nil
}

// UpdateInterval changes a schedule's interval. When the feed has run
// before, its next run becomes last run plus the new interval.
func (scheduler *Scheduler) UpdateInterval(feedName string, interval time.Duration) (*ScheduleInfo, error) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	info, ok := scheduler.schedules[feedName]
	if !ok {
		return nil, ErrNotRegistered.New("%q", feedName)
	}
	info.Interval = interval
	if info.LastRun != nil {
		next := info.LastRun.Add(interval)
		info.NextRun = &next
	}
	clone := *info
	return &clone, nil
}
