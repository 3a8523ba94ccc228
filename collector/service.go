// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package collector

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/feedspine/feedspine/scheduler"
)

// Service ticks on a cycle, asking the scheduler for due feeds and running
// them through the collector.
//
// architecture: Chore
type Service struct {
	log       *zap.Logger
	collector *Collector
	scheduler *scheduler.Scheduler

	Loop *sync2.Cycle
}

// NewService creates the collection chore.
func NewService(log *zap.Logger, collector *Collector, sched *scheduler.Scheduler, config Config) *Service {
	return &Service{
		log:       log,
		collector: collector,
		scheduler: sched,
		Loop:      sync2.NewCycle(config.CheckInterval),
	}
}

// Run runs the collection chore until ctx is cancelled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Tick(ctx); err != nil {
			service.log.Error("collection tick failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (service *Service) Close() error {
	service.Loop.Close()
	return service.collector.Close()
}

// Tick collects every due feed once and records the outcome per feed.
func (service *Service) Tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	due := service.scheduler.GetDue()
	if len(due) == 0 {
		return nil
	}

	feeds := make([]string, 0, len(due))
	for _, info := range due {
		feeds = append(feeds, info.FeedName)
	}
	service.log.Debug("due feeds", zap.Strings("feeds", feeds))

	result, err := service.collector.Collect(ctx, feeds...)
	if err != nil {
		return err
	}

	for _, feedName := range feeds {
		if result.FeedSuccess(feedName) {
			err = service.scheduler.MarkSuccess(feedName)
		} else {
			err = service.scheduler.MarkFailure(feedName)
		}
		if err != nil {
			service.log.Warn("schedule update failed",
				zap.String("feed", feedName), zap.Error(err))
		}
	}
	return nil
}
