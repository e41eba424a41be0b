package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PCTASKS_CONFIG"

// Config 描述计数服务启动时需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    logger.Config    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Feed       FeedConfig       `yaml:"feed"`
	Counter    CounterConfig    `yaml:"counter"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// ServerConfig 控制运维 HTTP 服务的监听地址。
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig 选择文档存储后端。
type StoreConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory mysql badger redis"`
	MySQL  MySQLConfig `yaml:"mysql"`
	Badger struct {
		Path string `yaml:"path"`
	} `yaml:"badger"`
	Redis RedisConfig `yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 描述 Redis 连接，存储与队列共用。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// FeedConfig 选择变更流的传输方式。
type FeedConfig struct {
	Driver        string         `yaml:"driver" validate:"oneof=memory redis rabbitmq"`
	Workers       int            `yaml:"workers" validate:"gte=1"`
	MaxDeliveries int            `yaml:"max_deliveries" validate:"gte=1"`
	BufferSize    int            `yaml:"buffer_size" validate:"gte=1"`
	Redis         RedisFeed      `yaml:"redis"`
	RabbitMQ      RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisFeed 描述 Redis list 队列。
type RedisFeed struct {
	RedisConfig `yaml:",inline"`
	Queue       string        `yaml:"queue"`
	DeadLetter  string        `yaml:"dead_letter"`
	BlockWait   time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL                string `yaml:"url"`
	Queue              string `yaml:"queue"`
	Prefetch           int    `yaml:"prefetch" validate:"gte=0"`
	Durable            bool   `yaml:"durable"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`
}

// CounterConfig 控制版本冲突时的重试。
type CounterConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gte=0"`
	BackoffMax  time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
}

// ReconcilerConfig 控制定期重算。
type ReconcilerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AlertingConfig 描述告警渠道。日志渠道始终开启。
type AlertingConfig struct {
	Webhook struct {
		URL     string        `yaml:"url" validate:"omitempty,url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"webhook"`
}

// Load 解析指定路径的 YAML 配置文件。path 为空时依次尝试 PCTASKS_CONFIG 环境变量与内置默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Badger.Path != "" && !filepath.IsAbs(c.Store.Badger.Path) {
		c.Store.Badger.Path = filepath.Join(baseDir, c.Store.Badger.Path)
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "pctasks"
	}

	c.Feed.Driver = strings.ToLower(strings.TrimSpace(c.Feed.Driver))
	if c.Feed.Driver == "" {
		c.Feed.Driver = "memory"
	}
	if c.Feed.Workers <= 0 {
		c.Feed.Workers = 4
	}
	if c.Feed.MaxDeliveries <= 0 {
		c.Feed.MaxDeliveries = 5
	}
	if c.Feed.BufferSize <= 0 {
		c.Feed.BufferSize = 256
	}
	if c.Feed.Redis.Address == "" {
		c.Feed.Redis.RedisConfig = c.Store.Redis
	}

	if c.Counter.MaxAttempts <= 0 {
		c.Counter.MaxAttempts = 5
	}
	if c.Counter.BackoffBase <= 0 {
		c.Counter.BackoffBase = 10 * time.Millisecond
	}
	if c.Counter.BackoffMax <= 0 {
		c.Counter.BackoffMax = 500 * time.Millisecond
	}

	if c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "@every 10m"
	}
	if c.Reconciler.Timeout <= 0 {
		c.Reconciler.Timeout = 5 * time.Minute
	}

	if c.Alerting.Webhook.Timeout <= 0 {
		c.Alerting.Webhook.Timeout = 5 * time.Second
	}
}

// Validate 校验字段取值以及后端所需的连接参数。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	var errs []error
	switch c.Store.Driver {
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			errs = append(errs, errors.New("store.mysql.dsn 不能为空"))
		}
	case "redis":
		if c.Store.Redis.Address == "" {
			errs = append(errs, errors.New("store.redis.address 不能为空"))
		}
	}
	switch c.Feed.Driver {
	case "redis":
		if c.Feed.Redis.Address == "" {
			errs = append(errs, errors.New("feed.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Feed.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("feed.rabbitmq.url 不能为空"))
		}
	}
	return errors.Join(errs...)
}
