package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Markets MarketsConfig `json:"markets"`
	Ledger  LedgerConfig  `json:"ledger"`
	Worker  WorkerConfig  `json:"worker"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述交易状态后端的连接信息。
type StorageConfig struct {
	TradeStore TradeStoreConfig `json:"trade_store"`
}

// TradeStoreConfig 支持内存实现与 MySQL。
type TradeStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述交易队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Queue         string `json:"queue"`
	BlockWaitSecs int    `json:"block_wait_secs"`
}

// BlockWait 返回 BRPOP 的阻塞等待时长。
func (c RedisConfig) BlockWait() time.Duration {
	if c.BlockWaitSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BlockWaitSecs) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MarketsConfig 指向 YAML 市场定义文件。
type MarketsConfig struct {
	Path string `json:"path"`
}

// LedgerConfig 控制账本的租金曲线。零值沿用默认曲线。
type LedgerConfig struct {
	RentBase    uint64 `json:"rent_base"`
	RentPerByte uint64 `json:"rent_per_byte"`
}

// WorkerConfig 控制交易处理器的并发与重试参数。
type WorkerConfig struct {
	Count      int `json:"count"`
	MaxRetries int `json:"max_retries"`
}

// LoggingConfig 控制结构化日志与审计流。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制资金流水审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SOLSCOPE_CONFIG"

// Load 负责解析指定路径的 JSON 配置文件。路径为空时回退到
// SOLSCOPE_CONFIG 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TradeStore.Driver == "" {
		c.Storage.TradeStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}

	if c.Markets.Path != "" && !filepath.IsAbs(c.Markets.Path) {
		c.Markets.Path = filepath.Join(baseDir, c.Markets.Path)
	}

	if c.Worker.Count <= 0 {
		c.Worker.Count = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
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

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
