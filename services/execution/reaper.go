package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reaper reclaims executions abandoned mid-flight: Pending rows whose worker
// never picked them up, Running rows whose worker died. It only corrects the
// ledger; the underlying invocation, if any, is not stopped.
type Reaper struct {
	service        *Service
	interval       time.Duration
	pendingTimeout time.Duration
	runningTimeout time.Duration
}

func NewReaper(svc *Service, cfg *config.Config) *Reaper {
	return &Reaper{
		service:        svc,
		interval:       cfg.Reaper.Interval,
		pendingTimeout: cfg.Reaper.PendingTimeout,
		runningTimeout: cfg.Reaper.RunningTimeout,
	}
}

func StartReaper(lc fx.Lifecycle, r *Reaper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (r *Reaper) run(ctx context.Context) {
	zap.L().Info("[Reaper] started stuck execution reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("pending_timeout", r.pendingTimeout),
		zap.Duration("running_timeout", r.runningTimeout),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Reaper] stopped")
			return
		}
	}
}

// Sweep times out every stuck execution it can find, then reconciles status
// index drift. Per-item failures are logged and skipped so one bad record
// never aborts the rest of the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	start := time.Now()

	stuck, err := r.service.GetStuck(ctx, r.pendingTimeout, r.runningTimeout)
	if err != nil {
		zap.L().Error("[Reaper] failed to query stuck executions", zap.Error(err))
		return
	}

	reaped := 0
	for _, row := range stuck {
		if err := r.reapOne(ctx, row); err != nil {
			zap.L().Error("[Reaper] failed to time out execution",
				zap.String("execution_id", row.ExecutionID),
				zap.String("status", string(row.Status)),
				zap.Error(err),
			)
			continue
		}
		reaped++
	}

	repaired := r.reconcileStatusIndex(ctx)

	if reaped > 0 || repaired > 0 {
		zap.L().Info("[Reaper] sweep finished",
			zap.Int("stuck", len(stuck)),
			zap.Int("reaped", reaped),
			zap.Int("index_repaired", repaired),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (r *Reaper) reapOne(ctx context.Context, row *ExecutionIndex) error {
	threshold := r.pendingTimeout
	if row.Status == StatusRunning {
		threshold = r.runningTimeout
	}

	_, err := r.service.Update(ctx, row.OrgID, row.ExecutionID, UpdateParams{
		Status:       StatusTimeout,
		ErrorMessage: fmt.Sprintf("execution stuck in %s longer than %s", row.Status, threshold),
		ErrorType:    "ExecutionTimeout",
		Diagnostics: &Diagnostics{
			Logs: []string{fmt.Sprintf("timed out by reaper: was %s, threshold %s", row.Status, threshold)},
		},
	})
	return err
}

// reconcileStatusIndex repairs advisory index drift: open status-index rows
// whose primary row has already reached a terminal status, or whose primary
// row is gone entirely.
func (r *Reaper) reconcileStatusIndex(ctx context.Context) int {
	repaired := 0

	for _, status := range []Status{StatusPending, StatusRunning} {
		rows, err := r.service.repo.ListIndex(ctx, IndexKindStatus, string(status), time.Now())
		if err != nil {
			zap.L().Warn("[Reaper] failed to list status index for reconciliation", zap.Error(err))
			continue
		}

		for _, row := range rows {
			primary, err := r.service.repo.GetByID(ctx, row.OrgID, row.ExecutionID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					if err := r.service.repo.DeleteIndex(ctx, IndexKindStatus, row.Key, row.ExecutionID); err == nil {
						repaired++
					}
				}
				continue
			}

			if primary.Status == row.Status {
				continue
			}

			if err := r.service.repo.UpdateIndexStatus(ctx, row.ID, primary.Status); err != nil {
				zap.L().Warn("[Reaper] failed to repair status index row",
					zap.String("execution_id", row.ExecutionID),
					zap.Error(err),
				)
				continue
			}
			repaired++
		}
	}

	return repaired
}
