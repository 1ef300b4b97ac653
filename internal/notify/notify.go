// Package notify 在任务结束时向外部渠道推送完成通知。
// 通知是尽力而为的行为，发送失败不影响任务本身的结果。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"CarbonScope/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelWebhook  Channel = "webhook"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Event 描述一次任务完成通知。
type Event struct {
	TaskID      string            `json:"task_id"`
	Status      string            `json:"status"`
	Summary     string            `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
	Steps       int               `json:"steps"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
	NotifyChannel(ctx context.Context, channel Channel, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NotifyChannel 将事件发送到指定渠道。
// 渠道未注册时仅记录告警并跳过，不视为错误。
func (d *FanoutDispatcher) NotifyChannel(ctx context.Context, channel Channel, event Event) error {
	if d == nil {
		return nil
	}
	notifier, ok := d.notifiers[channel]
	if !ok {
		logger.L().Warn("通知渠道未注册，跳过发送",
			slog.String("channel", string(channel)),
			slog.String("task_id", event.TaskID))
		return nil
	}
	return notifier.Notify(ctx, event)
}

// LogNotifier 把完成通知写入结构化日志，始终可用。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出一条结构化日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Named("notify").Info("任务完成通知",
		slog.String("task_id", event.TaskID),
		slog.String("status", event.Status),
		slog.Int("steps", event.Steps),
		slog.String("error", event.Error))
	return nil
}

// WebhookNotifier 把完成通知以 JSON POST 到外部地址。
type WebhookNotifier struct {
	URL        string
	httpClient *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器。
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("Webhook URL 不能为空")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		URL:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 Webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("Webhook 返回错误状态: %d", resp.StatusCode)
	}
	return nil
}
