package schedule

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(svc *Service) *Processor {
	return &Processor{service: svc, interval: svc.tick}
}

func StartProcessor(lc fx.Lifecycle, p *Processor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go p.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (p *Processor) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started schedule processor",
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			p.service.ProcessTick(ctx, start)
			zap.L().Debug("[Scheduler] tick finished",
				zap.Duration("duration", time.Since(start)),
			)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}
