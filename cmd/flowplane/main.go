package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"flowplane/internal/httpapi"
	"flowplane/pkg/config"
	"flowplane/pkg/db"
	"flowplane/pkg/health"
	"flowplane/pkg/logger"
	"flowplane/pkg/redis"
	"flowplane/pkg/secrets"
	"flowplane/pkg/server"
	"flowplane/pkg/task"
	"flowplane/services/dispatch"
	"flowplane/services/execution"
	"flowplane/services/integration"
	"flowplane/services/registry"
	"flowplane/services/schedule"
)

func main() {
	app := fx.New(
		secrets.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		health.Module,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(autoMigrate, db.Otel, db.Metric),
		task.Client,
		registry.Module,
		execution.Module,
		dispatch.Module,
		schedule.Module,
		integration.Module,
		server.Module,
		httpapi.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func autoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&execution.Execution{},
		&execution.ExecutionIndex{},
		&schedule.ScheduleState{},
		&integration.OAuthConnection{},
		&integration.RefreshJobStatus{},
	)
}
