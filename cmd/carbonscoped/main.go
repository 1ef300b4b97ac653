package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CarbonScope/internal/agent"
	"CarbonScope/internal/api"
	"CarbonScope/internal/catalog"
	"CarbonScope/internal/config"
	"CarbonScope/internal/convo"
	"CarbonScope/internal/llm"
	"CarbonScope/internal/llm/bridge"
	"CarbonScope/internal/llm/openai"
	"CarbonScope/internal/notify"
	"CarbonScope/internal/runner"
	"CarbonScope/internal/tool"
	"CarbonScope/internal/tool/builtin"
	"CarbonScope/pkg/logger"
	"CarbonScope/pkg/retry"
)

// main 是 CarbonScope 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("carbonscoped 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CARBONSCOPE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "carbonscope.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 初始化会话事件存储。
	var store convo.Store
	switch cfg.Storage.Conversation.Driver {
	case "memory", "":
		store, err = convo.NewFileBackedStore(dataDir, cfg.Storage.Conversation.MaxEvents)
		if err != nil {
			return err
		}
	case "mysql":
		store, err = convo.NewMySQLStore(ctx, convo.MySQLConfig{
			DSN:             cfg.Storage.Conversation.DSN,
			MaxEvents:       cfg.Storage.Conversation.MaxEvents,
			MaxOpenConns:    cfg.Storage.Conversation.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Conversation.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Conversation.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	case "redis":
		store, err = convo.NewRedisStore(ctx, convo.RedisConfig{
			Address:   cfg.Storage.Conversation.Redis.Address,
			Password:  cfg.Storage.Conversation.Redis.Password,
			DB:        cfg.Storage.Conversation.Redis.DB,
			KeyPrefix: cfg.Storage.Conversation.Redis.KeyPrefix,
			MaxEvents: cfg.Storage.Conversation.MaxEvents,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.Conversation.Driver)
	}
	defer func() {
		_ = store.Close()
	}()

	// 加载排放因子目录并注册内置工具。
	cat, err := catalog.Load(cfg.Runtime.CatalogPath, 0)
	if err != nil {
		return err
	}
	registry := tool.NewRegistry()
	if err := builtin.RegisterAll(registry, cat, cfg.Runtime.DefaultSamples); err != nil {
		return err
	}

	planner, err := createPlanner(cfg)
	if err != nil {
		return err
	}

	dispatcher, closeNotify, err := createNotifier(cfg)
	if err != nil {
		return err
	}
	defer closeNotify()

	orch := agent.New(planner, registry, store,
		agent.WithMaxSteps(cfg.Runtime.MaxSteps),
		agent.WithRetryConfig(retry.Config{
			MaxRetries: cfg.Runtime.MaxRetries,
			BaseDelay:  time.Duration(cfg.Runtime.RetryBaseDelayMS) * time.Millisecond,
		}),
		agent.WithNotifier(dispatcher),
		agent.WithPlannerTimeout(time.Duration(cfg.LLM.OpenAI.TimeoutSeconds)*time.Second),
	)

	run := runner.New(orch, store,
		runner.WithRetention(time.Duration(cfg.Runtime.RetentionHours)*time.Hour))
	defer run.Close()

	cleanupInterval := time.Duration(cfg.Runtime.CleanupIntervalMS) * time.Millisecond
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	run.StartJanitor(ctx, cleanupInterval)

	server := api.NewServer(cfg.Server.Address, run, registry,
		api.WithAPIKeys(cfg.Server.APIKeys))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createPlanner 根据配置选择规划器实现。
func createPlanner(cfg *config.Config) (llm.Planner, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("CARBONSCOPE_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 CARBONSCOPE_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	case "bridge":
		return bridge.NewPlanner(bridge.Config{
			Command:    cfg.LLM.Bridge.Command,
			Args:       cfg.LLM.Bridge.Args,
			WorkingDir: cfg.LLM.Bridge.WorkingDir,
			Timeout:    time.Duration(cfg.LLM.Bridge.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的规划 provider: %s", cfg.LLM.Provider)
	}
}

// createNotifier 按配置装配通知渠道，日志渠道始终可用。
func createNotifier(cfg *config.Config) (notify.Dispatcher, func(), error) {
	notifiers := []notify.Notifier{&notify.LogNotifier{}}
	cleanup := func() {}

	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.Notify.Webhook.URL,
			time.Duration(cfg.Notify.Webhook.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, webhook)
	}

	if cfg.Notify.RabbitMQ.URL != "" {
		mq, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQ.URL,
			Queue:   cfg.Notify.RabbitMQ.Queue,
			Durable: cfg.Notify.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		cleanup = func() {
			_ = mq.Close()
		}
	}

	return notify.NewFanout(notifiers...), cleanup, nil
}
