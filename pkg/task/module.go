package task

import (
	"context"
	"os"

	"flowplane/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
	)

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] Failed to connect to Asynq", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[Asynq] Connected to Asynq")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux, registerAsynqServer),
	fx.Invoke(runServerMux),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

type serverParams struct {
	fx.In
	Config *config.Config
	Poison PoisonRecorder `optional:"true"`
}

func registerAsynqServer(p serverParams) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     p.Config.Redis.Addr,
			Password: p.Config.Redis.Password,
			DB:       p.Config.Redis.DB,
		},
		asynq.Config{
			Concurrency:    p.Config.Queue.Concurrency,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Queues: map[string]int{
				"critical": 10,
				"default":  5,
				"low":      3,
			},
			ErrorHandler: newErrorHandler(p.Poison),
		},
	)
}

// newErrorHandler logs every failed delivery and, once the delivery budget is
// exhausted and asynq moves the message to its archived set, hands the raw
// message to the PoisonRecorder. The archived copy stays available for manual
// inspection; it is never re-enqueued from here.
func newErrorHandler(poison PoisonRecorder) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		if retried < maxRetry {
			zap.L().Warn("asynq task delivery failed, will retry",
				zap.String("task_type", t.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
			return
		}

		zap.L().Error("asynq task permanently failed",
			zap.String("task_type", t.Type()),
			zap.Error(err),
		)

		if poison != nil {
			poison.RecordPoison(ctx, t.Type(), t.Payload(), err)
		}
	})
}

func runServerMux(lc fx.Lifecycle, server *asynq.Server, mux *asynq.ServeMux) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(mux); err != nil {
					zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("[Asynq] Asynq server started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Stop()
			return nil
		},
	})
}
