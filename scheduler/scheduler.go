// Package scheduler owns the coordinator's two background loops, the
// dispatcher tick and the daily emission check, sharing one stop signal
// for graceful shutdown.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openmesh-labs/pool-coordinator/dispatch"
	"github.com/openmesh-labs/pool-coordinator/emission"
	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/store"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultEmissionPoll     = 60 * time.Second
)

// Scheduler runs the dispatch and emission loops until Stop is called.
type Scheduler struct {
	dispatcher       *dispatch.Dispatcher
	emission         *emission.Emission
	store            *store.Store
	dispatchInterval time.Duration
	emissionPoll     time.Duration
	log              gethlog.Logger

	stop chan struct{}
	done sync.WaitGroup
}

// Option customizes a Scheduler at construction time.
type Option func(*Scheduler)

// WithDispatchInterval overrides the default 2-second dispatch tick period.
func WithDispatchInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.dispatchInterval = d }
}

// WithEmissionPollInterval overrides the default 60-second emission wake
// period.
func WithEmissionPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.emissionPoll = d }
}

// New constructs a Scheduler over a Dispatcher and an Emission. The
// emission cron hour/minute comes from the store's pool settings, re-read
// on every wake so an operator change takes effect without a restart.
func New(st *store.Store, d *dispatch.Dispatcher, e *emission.Emission, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher:       d,
		emission:         e,
		store:            st,
		dispatchInterval: defaultDispatchInterval,
		emissionPoll:     defaultEmissionPoll,
		log:              gethlog.Root().With("component", "scheduler"),
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches both background loops. Call Stop to request shutdown and
// Wait to block until both loops have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.done.Add(2)
	go s.dispatchLoop(ctx)
	go s.emissionLoop(ctx)
}

// Stop signals both loops to exit at their next poll boundary. It does not
// block; call Wait afterward to join them.
func (s *Scheduler) Stop() {
	close(s.stop)
}

// Wait blocks until both loops have returned after Stop.
func (s *Scheduler) Wait() {
	s.done.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.done.Done()
	for {
		assigned, err := s.dispatcher.Tick(ctx)
		if err != nil {
			s.log.Error("dispatch tick failed", "err", err)
		} else if assigned > 0 {
			s.log.Debug("dispatch tick assigned jobs", "count", assigned)
		}
		if !s.sleepOrStop(s.dispatchInterval) {
			return
		}
	}
}

func (s *Scheduler) emissionLoop(ctx context.Context) {
	defer s.done.Done()
	for {
		now := time.Now().UTC()
		if s.cronDue(ctx, now) {
			status, err := s.emission.Status(ctx, now)
			if err != nil {
				s.log.Error("emission status check failed", "err", err)
			} else if !status.RunCompleted {
				result, err := s.emission.Run(ctx, now)
				if err != nil {
					s.log.Error("emission run failed", "err", err)
				} else if result.WorkersCredited > 0 {
					s.log.Info("emission run credited workers", "workers", result.WorkersCredited, "tokens", result.EmittedTokens)
				}
			}
		}
		if !s.sleepOrStop(s.emissionPoll) {
			return
		}
	}
}

// cronDue reads the emission schedule from pool settings and defers to
// cronReached.
func (s *Scheduler) cronDue(ctx context.Context, now time.Time) bool {
	settings, err := store.GetPoolSettings(ctx, s.store.Pool)
	if err != nil {
		s.log.Error("load pool settings for cron check failed", "err", err)
		return false
	}
	return cronReached(now, settings.EmissionCronHour, settings.EmissionCronMinute)
}

// cronReached reports whether now has reached or passed hour:minute UTC for
// the current day.
func cronReached(now time.Time, hour, minute int) bool {
	if now.Hour() > hour {
		return true
	}
	return now.Hour() == hour && now.Minute() >= minute
}

// sleepOrStop waits for either d to elapse or Stop to be called, reporting
// whether the loop should continue.
func (s *Scheduler) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}
