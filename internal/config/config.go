package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN builds the driver specific connection string.
// SQLite connections use immediate transactions so that concurrent writers
// serialise on BEGIN instead of failing on lock upgrade.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
	default:
		params := url.Values{}
		params.Set("_busy_timeout", "5000")
		params.Set("_txlock", "immediate")
		params.Set("_journal_mode", "WAL")
		params.Set("_foreign_keys", "on")
		return "file:" + c.Path + "?" + params.Encode()
	}
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	LocalDir  string `mapstructure:"local_dir"`
}

type CatalogConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	PageSize  int           `mapstructure:"page_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
	Token     string        `mapstructure:"token"`
}

type OrchestratorConfig struct {
	RetryLimit        int    `mapstructure:"retry_limit"`
	MaxErrorsAllowed  int    `mapstructure:"max_errors_allowed"`
	IgnoreErrors      bool   `mapstructure:"ignore_errors"`
	MaxBatchInputs    int    `mapstructure:"max_batch_inputs"`
	MaxBatchSizeBytes int64  `mapstructure:"max_batch_size_bytes"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	Schedule          string `mapstructure:"schedule"`
}

type WorkerConfig struct {
	APIURL              string        `mapstructure:"api_url"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ServiceID           string        `mapstructure:"service_id"`
	Executor            string        `mapstructure:"executor"`
	Concurrency         int           `mapstructure:"concurrency"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval     time.Duration `mapstructure:"max_poll_interval"`
	Command             []string      `mapstructure:"command"`
	CancelCheckInterval time.Duration `mapstructure:"cancel_check_interval"`
	WorkDir             string        `mapstructure:"work_dir"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment specific values
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("catalog.base_url", "CATALOG_BASE_URL")
	v.BindEnv("catalog.token", "CATALOG_TOKEN")
	v.BindEnv("worker.api_url", "WORKER_API_URL")
	v.BindEnv("worker.service_id", "WORKER_SERVICE_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/stepflow.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/artifacts")
	v.SetDefault("storage.bucket", "stepflow-artifacts")
	v.SetDefault("catalog.page_size", 2000)
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.rate_limit", 10)
	v.SetDefault("orchestrator.retry_limit", 3)
	v.SetDefault("orchestrator.max_errors_allowed", 700)
	v.SetDefault("orchestrator.ignore_errors", true)
	v.SetDefault("orchestrator.max_batch_inputs", 100)
	v.SetDefault("orchestrator.max_batch_size_bytes", int64(1<<30))
	v.SetDefault("orchestrator.queue_depth", 50)
	v.SetDefault("orchestrator.schedule", "@every 5s")
	v.SetDefault("worker.api_url", "http://localhost:8080")
	v.SetDefault("worker.request_timeout", 30*time.Second)
	v.SetDefault("worker.executor", "command")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_poll_interval", 30*time.Second)
	v.SetDefault("worker.cancel_check_interval", 10*time.Second)
	v.SetDefault("worker.work_dir", "./data/work")
	v.SetDefault("worker.timeout", 2*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.RetryLimit < 0 {
		return fmt.Errorf("orchestrator.retry_limit must be >= 0, got %d", c.Orchestrator.RetryLimit)
	}
	if c.Orchestrator.MaxErrorsAllowed < 0 {
		return fmt.Errorf("orchestrator.max_errors_allowed must be >= 0, got %d", c.Orchestrator.MaxErrorsAllowed)
	}
	if c.Orchestrator.MaxBatchInputs < 1 {
		return fmt.Errorf("orchestrator.max_batch_inputs must be >= 1, got %d", c.Orchestrator.MaxBatchInputs)
	}
	if c.Catalog.PageSize < 1 {
		return fmt.Errorf("catalog.page_size must be >= 1, got %d", c.Catalog.PageSize)
	}
	switch c.Worker.Executor {
	case "command", "catalog":
	default:
		return fmt.Errorf("unsupported worker executor %q", c.Worker.Executor)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
