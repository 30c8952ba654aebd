package logger

import (
	"context"

	"flowplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(New),
)

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Cfg       *config.Config
}

// New builds the process logger and installs it as the zap global. Production
// gets the JSON encoder; anything else gets the development console encoder.
func New(p Params) *zap.Logger {
	var log *zap.Logger

	if p.Cfg.AppEnv == "production" {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.LevelKey = "severity"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		cfg.EncoderConfig.StacktraceKey = "stacktrace"
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		log = zap.Must(cfg.Build())
	} else {
		log = zap.Must(zap.NewDevelopment())
	}

	log = log.With(
		zap.String("env", p.Cfg.AppEnv),
		zap.String("service_name", p.Cfg.AppName),
		zap.String("service_version", p.Cfg.AppVersion),
	)

	zap.ReplaceGlobals(log)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = log.Sync()
			return nil
		},
	})

	return log
}
