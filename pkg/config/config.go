package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Audit     AuditConfig
	Redis     RedisConfig
	Inference InferenceConfig
	Pipeline  PipelineConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

// PostgresConfig points at the clinical database. DSN is used for schema
// introspection; ReadOnlyDSN must authenticate as a role with SELECT-only
// grants and is the only credential the execution engine ever sees.
type PostgresConfig struct {
	DSN          string
	ReadOnlyDSN  string
	Schema       string
	MaxOpenConns int
	MaxIdleConns int
}

type AuditConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type InferenceConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
	BeamWidth   int
}

type PipelineConfig struct {
	MaxQueryLength       int
	MaxRows              int
	MaxConcurrent        int
	AutoExecuteThreshold float64
	ModelWeight          float64
	ValidationWeight     float64
	HistoryWeight        float64
	DefaultAccuracy      float64
	CacheTTLSec          int
	CacheMaxWaitMS       int
	ExecTimeoutSec       int
	RefreshIntervalSec   int
	RateLimitPerMinute   int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cliniquery")

	viper.SetEnvPrefix("CLINIQUERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("postgres.dsn", "postgres://cliniquery@localhost:5432/clinical?sslmode=disable")
	viper.SetDefault("postgres.readOnlyDsn", "postgres://cliniquery_ro@localhost:5432/clinical?sslmode=disable")
	viper.SetDefault("postgres.schema", "clinical_data")
	viper.SetDefault("postgres.maxOpenConns", 16)
	viper.SetDefault("postgres.maxIdleConns", 4)

	viper.SetDefault("audit.path", "./data/audit.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("inference.provider", "openai")
	viper.SetDefault("inference.model", "gpt-4")
	viper.SetDefault("inference.temperature", 0.1)
	viper.SetDefault("inference.maxTokens", 1024)
	viper.SetDefault("inference.timeoutSec", 2)
	viper.SetDefault("inference.beamWidth", 5)

	viper.SetDefault("pipeline.maxQueryLength", 500)
	viper.SetDefault("pipeline.maxRows", 10000)
	viper.SetDefault("pipeline.maxConcurrent", 32)
	viper.SetDefault("pipeline.autoExecuteThreshold", 0.8)
	viper.SetDefault("pipeline.modelWeight", 0.5)
	viper.SetDefault("pipeline.validationWeight", 0.2)
	viper.SetDefault("pipeline.historyWeight", 0.3)
	viper.SetDefault("pipeline.defaultAccuracy", 0.5)
	viper.SetDefault("pipeline.cacheTTLSec", 3600)
	viper.SetDefault("pipeline.cacheMaxWaitMS", 3000)
	viper.SetDefault("pipeline.execTimeoutSec", 5)
	viper.SetDefault("pipeline.refreshIntervalSec", 300)
	viper.SetDefault("pipeline.rateLimitPerMinute", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
