package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 CarbonScope 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	LLM     LLMConfig     `json:"llm"`
	Notify  NotifyConfig  `json:"notify"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问密钥。
type ServerConfig struct {
	Address string   `json:"address"`
	APIKeys []string `json:"api_keys,omitempty"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths,omitempty"`
	AuditPath   string   `json:"audit_path,omitempty"`
}

// StorageConfig 统一描述会话存储后端的连接信息。
type StorageConfig struct {
	Conversation ConversationStoreConfig `json:"conversation"`
}

// ConversationStoreConfig 描述会话事件存储的驱动与连接参数。
// driver 支持 memory、mysql、redis 三种实现。
type ConversationStoreConfig struct {
	Driver                 string      `json:"driver"`
	MaxEvents              int         `json:"max_events"`
	DSN                    string      `json:"dsn,omitempty"`
	MaxOpenConns           int         `json:"max_open_conns,omitempty"`
	MaxIdleConns           int         `json:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds,omitempty"`
	Redis                  RedisConfig `json:"redis,omitempty"`
}

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// LLMConfig 用于配置规划模型的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai,omitempty"`
	Bridge   BridgeConfig `json:"bridge,omitempty"`
}

// OpenAIConfig 描述调用 OpenAI 兼容接口所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BridgeConfig 描述通过外部命令完成规划推理时所需的信息。
type BridgeConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// NotifyConfig 描述任务完成通知的投递渠道。
type NotifyConfig struct {
	RabbitMQ RabbitMQNotifyConfig `json:"rabbitmq,omitempty"`
	Webhook  WebhookNotifyConfig  `json:"webhook,omitempty"`
}

// RabbitMQNotifyConfig 描述 RabbitMQ 通知队列的连接参数。
type RabbitMQNotifyConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue,omitempty"`
	Durable bool   `json:"durable,omitempty"`
}

// WebhookNotifyConfig 描述 Webhook 通知的目标地址。
type WebhookNotifyConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir           string `json:"data_dir"`
	CatalogPath       string `json:"catalog_path"`
	MaxSteps          int    `json:"max_steps"`
	DefaultSamples    int    `json:"default_samples"`
	MaxRetries        int    `json:"max_retries"`
	RetryBaseDelayMS  int    `json:"retry_base_delay_ms"`
	RetentionHours    int    `json:"retention_hours"`
	CleanupIntervalMS int    `json:"cleanup_interval_ms,omitempty"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
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

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Conversation.Driver == "" {
		c.Storage.Conversation.Driver = "memory"
	}
	if c.Storage.Conversation.MaxEvents <= 0 {
		c.Storage.Conversation.MaxEvents = 10000
	}
	if c.Storage.Conversation.Redis.KeyPrefix == "" {
		c.Storage.Conversation.Redis.KeyPrefix = "carbonscope"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Bridge.WorkingDir == "" {
		c.LLM.Bridge.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Bridge.WorkingDir) {
		c.LLM.Bridge.WorkingDir = filepath.Join(baseDir, c.LLM.Bridge.WorkingDir)
	}

	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "carbonscope.notifications"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.CatalogPath == "" {
		c.Runtime.CatalogPath = filepath.Join(baseDir, "factors.yaml")
	} else if !filepath.IsAbs(c.Runtime.CatalogPath) {
		c.Runtime.CatalogPath = filepath.Join(baseDir, c.Runtime.CatalogPath)
	}
	if c.Runtime.MaxSteps <= 0 {
		c.Runtime.MaxSteps = 20
	}
	if c.Runtime.DefaultSamples <= 0 {
		c.Runtime.DefaultSamples = 10000
	}
	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
	if c.Runtime.RetryBaseDelayMS <= 0 {
		c.Runtime.RetryBaseDelayMS = 1000
	}
	if c.Runtime.RetentionHours <= 0 {
		c.Runtime.RetentionHours = 24
	}
}
