package ordernotify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const defaultRedriveInterval = time.Minute

const (
	logMsgRedriveScheduled = "order redrive scheduled"
	logMsgRedriveDone      = "order redrive finished"
	logMsgRedriveError     = "order redrive failed"

	logAttrPlaced   = "placed"
	logAttrFailed   = "failed"
	logAttrSkipped  = "skipped"
	logAttrInterval = "interval"
)

// RedriveScheduler runs Handler.Redrive periodically.
type RedriveScheduler struct {
	handler  *Handler
	cron     *cron.Cron
	interval time.Duration
	logger   eventstore.Logger
}

// NewRedriveScheduler schedules a Redrive every interval, at least every second.
func NewRedriveScheduler(handler *Handler, interval time.Duration, logger eventstore.Logger) (*RedriveScheduler, error) {
	if interval < time.Second {
		interval = defaultRedriveInterval
	}

	s := &RedriveScheduler{
		handler:  handler,
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		interval: interval,
		logger:   logger,
	}

	schedule := fmt.Sprintf("@every %ds", int(interval.Seconds()))
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, err
	}

	return s, nil
}

// RunOnce redrives the parking lot, bounded by the scheduling interval.
func (s *RedriveScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	result, err := s.handler.Redrive(ctx)
	if s.logger == nil {
		return
	}

	if err != nil {
		s.logger.Error(logMsgRedriveError, logAttrError, err.Error())
		return
	}

	if result.Placed > 0 || result.Failed > 0 {
		s.logger.Info(logMsgRedriveDone,
			logAttrPlaced, result.Placed,
			logAttrFailed, result.Failed,
			logAttrSkipped, result.Skipped,
		)
	}
}

// Start launches the scheduler.
func (s *RedriveScheduler) Start() {
	s.cron.Start()

	if s.logger != nil {
		s.logger.Info(logMsgRedriveScheduled, logAttrInterval, s.interval.String())
	}
}

// Stop stops scheduling and waits for a running Redrive or ctx.
func (s *RedriveScheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
