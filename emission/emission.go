// Package emission implements the coordinator's daily-emission reward loop:
// a capped, uptime- and reputation-weighted payout to worker owners.
package emission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/store"
)

const secondsPerDay = 86400.0

// Emission computes and posts the daily reward run.
type Emission struct {
	store   *store.Store
	metrics *obsv.Metrics
	log     gethlog.Logger
}

// New constructs an Emission over s.
func New(s *store.Store, metrics *obsv.Metrics) *Emission {
	return &Emission{store: s, metrics: metrics, log: gethlog.Root().With("component", "emission")}
}

// Status reports today's emission cap and how much of it has already been
// distributed.
type Status struct {
	Day            time.Time
	CapTokens      float64
	EmittedToday   float64
	RemainingToday float64
	RunCompleted   bool
}

// Payout is one worker-owner credit from a single Run.
type Payout struct {
	WorkerID      int64
	WorkerOwnerID int64
	UptimeRatio   float64
	Reputation    float64
	Tokens        float64
}

// Result is the outcome of one Run.
type Result struct {
	TargetDay      time.Time
	CapTokens      float64
	EmittedTokens  float64
	WorkersCredited int
	Payouts        []Payout
}

// Status computes today's emission status without posting anything.
func (e *Emission) Status(ctx context.Context, now time.Time) (Status, error) {
	var st Status
	err := e.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		s, err := e.status(ctx, tx, now)
		st = s
		return err
	})
	return st, err
}

func (e *Emission) status(ctx context.Context, tx pgx.Tx, now time.Time) (Status, error) {
	settings, err := store.GetPoolSettings(ctx, tx)
	if err != nil {
		return Status{}, err
	}
	dayStart := utcMidnight(now)
	emittedToday, err := store.SumLedgerEntriesByTypeSince(ctx, tx, model.EntryDailyEmission, dayStart)
	if err != nil {
		return Status{}, err
	}
	cap := round8(settings.DailyEmissionCapTokens)
	remaining := math.Max(0, cap-emittedToday)
	return Status{
		Day:            dayStart,
		CapTokens:      cap,
		EmittedToday:   round8(emittedToday),
		RemainingToday: round8(remaining),
		RunCompleted:   emittedToday > 0,
	}, nil
}

// Run executes one daily-emission pass. If any emission entry already
// exists for the current UTC day the pass is a no-op returning a Result
// with only TargetDay and CapTokens set: at most one run per day credits
// tokens, no matter how often the scheduler (or an operator) retries.
func (e *Emission) Run(ctx context.Context, now time.Time) (Result, error) {
	var result Result
	err := e.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		status, err := e.status(ctx, tx, now)
		if err != nil {
			return err
		}
		result.TargetDay = status.Day
		result.CapTokens = status.CapTokens
		if status.RunCompleted || status.RemainingToday <= 0 {
			return nil
		}

		settings, err := store.GetPoolSettings(ctx, tx)
		if err != nil {
			return err
		}
		base := round8(settings.DailyEmissionBaseTokens)

		windowEnd := now
		windowStart := now.Add(-24 * time.Hour)

		workerIDs, err := store.ListAllWorkerIDs(ctx, tx)
		if err != nil {
			return err
		}

		type provisional struct {
			workerID, ownerID int64
			uptime, reputation, amount float64
		}
		var items []provisional
		var total float64

		for _, workerID := range workerIDs {
			w, err := store.GetWorker(ctx, tx, workerID, false)
			if err != nil {
				return err
			}
			ws, err := workerSettings(ctx, tx, workerID)
			if err != nil {
				return err
			}

			uptime, err := e.uptimeRatio(ctx, tx, workerID, ws.HeartbeatTimeoutSeconds, windowStart, windowEnd)
			if err != nil {
				return err
			}
			if uptime <= 0 {
				continue
			}

			reputation := clamp01(w.Reputation())
			if reputation <= 0 {
				continue
			}

			amount := round8(base * uptime * reputation)
			if amount <= 0 {
				continue
			}

			items = append(items, provisional{workerID: workerID, ownerID: w.OwnerUserID, uptime: uptime, reputation: reputation, amount: amount})
			total += amount
		}

		if total <= 0 {
			return nil
		}

		scale := 1.0
		if total > status.RemainingToday {
			scale = status.RemainingToday / total
		}

		for _, it := range items {
			final := round8(it.amount * scale)
			if final <= 0 {
				continue
			}

			ownerAccount, err := store.GetOrCreateAccount(ctx, tx, model.OwnerUser, it.ownerID, model.TOK)
			if err != nil {
				return err
			}
			_, err = store.PostLedgerEntry(ctx, tx, model.LedgerEntry{
				AccountID: ownerAccount.ID,
				Amount:    final,
				EntryType: model.EntryDailyEmission,
				Details: map[string]any{
					"reason":       "daily_emission",
					"worker_id":    it.workerID,
					"uptime_ratio": it.uptime,
					"reputation":   it.reputation,
					"day":          result.TargetDay.Format("2006-01-02"),
					"scale_factor": round8(scale),
				},
			})
			if err != nil {
				return err
			}

			result.EmittedTokens = round8(result.EmittedTokens + final)
			result.WorkersCredited++
			result.Payouts = append(result.Payouts, Payout{
				WorkerID: it.workerID, WorkerOwnerID: it.ownerID,
				UptimeRatio: it.uptime, Reputation: it.reputation, Tokens: final,
			})
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if e.metrics != nil {
		if result.WorkersCredited > 0 {
			e.metrics.EmissionRuns.Inc()
			e.metrics.EmissionTokens.Add(result.EmittedTokens)
		} else {
			e.metrics.EmissionSkipped.Inc()
		}
	}
	e.log.Info("emission run complete", "day", result.TargetDay.Format("2006-01-02"), "emitted", result.EmittedTokens, "workers", result.WorkersCredited)
	return result, nil
}

// uptimeRatio loads the worker's heartbeats (including the carry-over one
// before windowStart) and reduces them to the covered fraction of the day.
func (e *Emission) uptimeRatio(ctx context.Context, tx pgx.Tx, workerID int64, timeoutSeconds int, windowStart, windowEnd time.Time) (float64, error) {
	if timeoutSeconds <= 0 || !windowEnd.After(windowStart) {
		return 0, nil
	}
	points, err := store.ListHeartbeatsInWindow(ctx, tx, workerID, windowStart, windowEnd)
	if err != nil {
		return 0, err
	}
	covered := coveredSeconds(points, time.Duration(timeoutSeconds)*time.Second, windowStart, windowEnd)
	return clamp01(round8(covered / secondsPerDay)), nil
}

// coveredSeconds is the union of [heartbeat, heartbeat+timeout] intervals
// clipped to [windowStart, windowEnd]. Intervals overlap whenever heartbeats
// arrive faster than the timeout; overlap must not be counted twice. points
// must be sorted ascending, which ListHeartbeatsInWindow guarantees.
func coveredSeconds(points []time.Time, timeout time.Duration, windowStart, windowEnd time.Time) float64 {
	var covered float64
	cursor := windowStart
	for _, at := range points {
		rangeStart := at
		if cursor.After(rangeStart) {
			rangeStart = cursor
		}
		rangeEnd := at.Add(timeout)
		if windowEnd.Before(rangeEnd) {
			rangeEnd = windowEnd
		}
		if rangeEnd.After(rangeStart) {
			covered += rangeEnd.Sub(rangeStart).Seconds()
			cursor = rangeEnd
		}
	}
	return covered
}

// workerSettings loads one worker's settings row. A worker that never had
// settings created still earns uptime credit under a 30s heartbeat timeout,
// the same default the worker_settings schema gives that column.
func workerSettings(ctx context.Context, tx pgx.Tx, workerID int64) (model.WorkerSettings, error) {
	var ws model.WorkerSettings
	err := tx.QueryRow(ctx, `
		SELECT worker_id, max_concurrency, heartbeat_timeout_seconds, accept_new_assignments
		FROM worker_settings WHERE worker_id = $1`, workerID,
	).Scan(&ws.WorkerID, &ws.MaxConcurrency, &ws.HeartbeatTimeoutSeconds, &ws.AcceptNewAssignments)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkerSettings{WorkerID: workerID, MaxConcurrency: 1, HeartbeatTimeoutSeconds: 30}, nil
		}
		return model.WorkerSettings{}, fmt.Errorf("load settings for worker %d: %w", workerID, err)
	}
	return ws, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round8(v float64) float64 {
	const scale = 1e8
	return math.Round(v*scale) / scale
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
