package schedule

import (
	"context"
	"errors"
	"time"

	"flowplane/pkg/config"
	"flowplane/services/registry"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher is the slice of the async dispatcher the processor needs.
type Dispatcher interface {
	Enqueue(ctx context.Context, caller registry.Caller, workflowName string, params map[string]any, formID string) (string, error)
}

// Service advances schedule pointers and fires due workflows through the
// async dispatcher. The processor tick is the effective scheduling
// resolution: schedules denser than the tick cannot fire more often than it.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	registry   *registry.Registry
	dispatcher Dispatcher

	tick   time.Duration
	parser cron.Parser
}

type Params struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Config     *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		registry:   p.Registry,
		dispatcher: p.Dispatcher,
		tick:       p.Config.Scheduler.Interval,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// ProcessTick re-resolves the live scheduled set and processes each
// workflow. One workflow's failure never blocks the rest of the tick.
func (s *Service) ProcessTick(ctx context.Context, now time.Time) {
	scheduled := s.registry.ListScheduled()

	for _, sw := range scheduled {
		if err := s.processOne(ctx, now, sw); err != nil {
			zap.L().Error("[Scheduler] failed to process scheduled workflow",
				zap.String("workflow_name", sw.Name),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) processOne(ctx context.Context, now time.Time, sw registry.ScheduledWorkflow) error {
	sched, err := s.parser.Parse(sw.CronExpression)
	if err != nil {
		// Self-healing: a stale row for a now-invalid expression is removed
		// so it cannot keep a dead schedule alive.
		zap.L().Error("[Scheduler] invalid cron expression, removing schedule state",
			zap.String("workflow_name", sw.Name),
			zap.String("cron_expression", sw.CronExpression),
			zap.Error(err),
		)
		return s.db.WithContext(ctx).
			Where("workflow_name = ?", sw.Name).
			Delete(&ScheduleState{}).Error
	}

	first := sched.Next(now)
	if interval := sched.Next(first).Sub(first); interval < s.tick {
		// Non-fatal: the schedule proceeds, it just cannot fire more often
		// than the processor tick.
		zap.L().Warn("[Scheduler] schedule interval shorter than processor tick",
			zap.String("workflow_name", sw.Name),
			zap.Duration("interval", interval),
			zap.Duration("tick", s.tick),
		)
	}

	var state ScheduleState
	err = s.db.WithContext(ctx).
		Where("workflow_name = ?", sw.Name).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First observation records the pointer and does not fire.
		return s.db.WithContext(ctx).Create(&ScheduleState{
			ID:               s.node.Generate().String(),
			WorkflowName:     sw.Name,
			CronExpression:   sw.CronExpression,
			HumanDescription: sw.Description,
			NextRunAt:        first,
		}).Error
	}
	if err != nil {
		return err
	}

	if state.CronExpression != sw.CronExpression || state.HumanDescription != sw.Description {
		updates := map[string]any{
			"cron_expression":   sw.CronExpression,
			"human_description": sw.Description,
			"version":           state.Version + 1,
		}
		if state.CronExpression != sw.CronExpression {
			updates["next_run_at"] = first
			state.NextRunAt = first
		}

		res := s.db.WithContext(ctx).
			Model(&ScheduleState{}).
			Where("workflow_name = ? AND version = ?", sw.Name, state.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another processor instance got there first this tick.
			return nil
		}
		state.Version++
	}

	if state.NextRunAt.After(now) {
		return nil
	}

	return s.fire(ctx, now, sched, sw, &state)
}

// fire claims the schedule pointer with a conditional update before
// enqueuing. Two overlapping ticks race on the version column; the loser
// skips instead of double-firing. The new pointer is computed relative to
// now, deliberately forfeiting catch-up: downtime yields at most one fire on
// resumption, never a backlog burst.
func (s *Service) fire(ctx context.Context, now time.Time, sched cron.Schedule, sw registry.ScheduledWorkflow, state *ScheduleState) error {
	next := sched.Next(now)

	res := s.db.WithContext(ctx).
		Model(&ScheduleState{}).
		Where("workflow_name = ? AND version = ?", sw.Name, state.Version).
		Updates(map[string]any{
			"next_run_at": next,
			"version":     state.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Info("[Scheduler] lost fire race, skipping",
			zap.String("workflow_name", sw.Name),
		)
		return nil
	}

	executionID, err := s.dispatcher.Enqueue(ctx, registry.SystemCaller(), sw.Name, nil, "")
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Model(&ScheduleState{}).
		Where("workflow_name = ?", sw.Name).
		Updates(map[string]any{
			"last_run_at":       now,
			"last_execution_id": executionID,
			"execution_count":   gorm.Expr("execution_count + 1"),
		}).Error; err != nil {
		return err
	}

	zap.L().Info("[Scheduler] fired scheduled workflow",
		zap.String("workflow_name", sw.Name),
		zap.String("execution_id", executionID),
		zap.Time("next_run_at", next),
	)
	return nil
}
