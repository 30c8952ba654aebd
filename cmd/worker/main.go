package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"flowplane/pkg/config"
	"flowplane/pkg/db"
	"flowplane/pkg/logger"
	"flowplane/pkg/redis"
	"flowplane/pkg/secrets"
	"flowplane/pkg/task"
	"flowplane/pkg/taskname"
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
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(autoMigrate, db.Otel),
		task.Client,
		registry.Module,
		execution.Module,
		execution.ReaperModule,
		dispatch.Module,
		schedule.Module,
		schedule.ProcessorModule,
		integration.Module,
		integration.RefresherModule,
		task.Server,
		fx.Invoke(registerHandlers),
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

func registerHandlers(mux *asynq.ServeMux, svc *dispatch.Service) {
	mux.HandleFunc(taskname.WorkflowExecute, svc.HandleExecuteWorkflowTask)
}
