package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler refreshes the subscription periodically.
type Scheduler struct {
	scheduler gocron.Scheduler
	svc       *Service
	log       *zap.Logger
	timeout   time.Duration
}

// NewScheduler creates a scheduler bound to svc.
func NewScheduler(svc *Service, log *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{scheduler: s, svc: svc, log: log.Named("scheduler"), timeout: 2 * time.Minute}, nil
}

// ScheduleSubscriptionRefresh runs UpdateSubscription(url) every interval.
// Overlapping runs are skipped. It returns the job ID.
func (s *Scheduler) ScheduleSubscriptionRefresh(interval time.Duration, url string) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("refresh interval must be positive, got %s", interval)
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.refresh, url),
		gocron.WithName("subscription-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("schedule subscription refresh: %w", err)
	}
	s.log.Info("subscription refresh scheduled", zap.Duration("interval", interval))
	return job.ID().String(), nil
}

// ScheduleSubscriptionCron runs UpdateSubscription(url) on a standard
// 5-field cron expression, in local time.
func (s *Scheduler) ScheduleSubscriptionCron(expr, url string) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(s.refresh, url),
		gocron.WithName("subscription-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("schedule subscription refresh %q: %w", expr, err)
	}
	s.log.Info("subscription refresh scheduled", zap.String("cron", expr))
	return job.ID().String(), nil
}

func (s *Scheduler) refresh(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.svc.UpdateSubscription(ctx, url); err != nil {
		s.log.Warn("scheduled subscription refresh failed", zap.Error(err))
	}
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
