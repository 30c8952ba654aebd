package integration

import (
	"context"
	"time"

	"flowplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Refresher struct {
	service  *Service
	interval time.Duration
}

func NewRefresher(svc *Service, cfg *config.Config) *Refresher {
	return &Refresher{service: svc, interval: cfg.OAuth.Interval}
}

func StartRefresher(lc fx.Lifecycle, r *Refresher) {
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

func (r *Refresher) run(ctx context.Context) {
	zap.L().Info("[OAuth] started token refresh job",
		zap.Duration("interval", r.interval),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.service.RefreshExpiring(ctx, time.Now(), "scheduled"); err != nil {
				zap.L().Error("[OAuth] refresh sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[OAuth] refresh job stopped")
			return
		}
	}
}
