package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Queue struct {
		Concurrency int    `mapstructure:"CONCURRENCY"`
		MaxRetry    int    `mapstructure:"MAX_RETRY"`
		Name        string `mapstructure:"NAME"`
	} `mapstructure:"QUEUE"`
	Reaper struct {
		Interval       time.Duration `mapstructure:"INTERVAL"`
		PendingTimeout time.Duration `mapstructure:"PENDING_TIMEOUT"`
		RunningTimeout time.Duration `mapstructure:"RUNNING_TIMEOUT"`
	} `mapstructure:"REAPER"`
	Scheduler struct {
		Interval time.Duration `mapstructure:"INTERVAL"`
	} `mapstructure:"SCHEDULER"`
	OAuth struct {
		Interval      time.Duration `mapstructure:"INTERVAL"`
		RefreshWindow time.Duration `mapstructure:"REFRESH_WINDOW"`
		Parallelism   int           `mapstructure:"PARALLELISM"`
	} `mapstructure:"OAUTH"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// LoadConfig reads config.yaml plus environment overrides. When a Vault
// client is available the database and redis credentials are overlaid from
// the KV store so they never live in the config file.
func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
	}

	return &cfg
}

// Defaults mirror the documented cadences: reaper and scheduler tick every 5
// minutes, the oauth refresh job every 15 minutes with a 4 hour lead window.
func setDefaults() {
	config.SetDefault("QUEUE.CONCURRENCY", 10)
	config.SetDefault("QUEUE.MAX_RETRY", 5)
	config.SetDefault("QUEUE.NAME", "default")
	config.SetDefault("REAPER.INTERVAL", 5*time.Minute)
	config.SetDefault("REAPER.PENDING_TIMEOUT", 10*time.Minute)
	config.SetDefault("REAPER.RUNNING_TIMEOUT", 30*time.Minute)
	config.SetDefault("SCHEDULER.INTERVAL", 5*time.Minute)
	config.SetDefault("OAUTH.INTERVAL", 15*time.Minute)
	config.SetDefault("OAUTH.REFRESH_WINDOW", 4*time.Hour)
	config.SetDefault("OAUTH.PARALLELISM", 4)
}
