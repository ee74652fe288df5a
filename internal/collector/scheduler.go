package collector

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/settings"

	log "github.com/sirupsen/logrus"
)

// minScheduleInterval floors the configurable collection cadence.
const minScheduleInterval = time.Minute

// Scheduler runs periodic collection for deployments without an external cron.
type Scheduler struct {
	collector *Collector
}

// NewScheduler constructs a Scheduler.
func NewScheduler(collector *Collector) *Scheduler {
	if collector == nil {
		return nil
	}
	return &Scheduler{collector: collector}
}

// Start launches the scheduling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("usage collector scheduler started (interval=%s)", s.resolveInterval())
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		if s.enabled() {
			if _, errRun := s.collector.Run(ctx); errRun != nil {
				log.WithError(errRun).Warn("usage collector scheduler: run failed")
			}
		}
		if ctx != nil && ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(s.resolveInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) enabled() bool {
	if enabled, ok := settings.BoolValue(settings.CollectorEnabledKey); ok {
		return enabled
	}
	return settings.DefaultCollectorEnabled
}

func (s *Scheduler) resolveInterval() time.Duration {
	intervalSeconds := settings.DefaultCollectorIntervalSeconds
	if parsed, ok := settings.IntValue(settings.CollectorIntervalSecondsKey); ok && parsed > 0 {
		intervalSeconds = parsed
	}
	interval := time.Duration(intervalSeconds) * time.Second
	if interval < minScheduleInterval {
		interval = minScheduleInterval
	}
	return interval
}
