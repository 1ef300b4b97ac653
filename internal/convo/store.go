package convo

import "context"

// DefaultMaxEvents 是事件存储的默认容量上限。
// 超过上限时最旧的事件会被淘汰。
const DefaultMaxEvents = 10000

// Store 抽象对话事件的持久化接口。
type Store interface {
	// Append 追加一条事件。容量超限时淘汰最旧的事件。
	Append(ctx context.Context, event Event) error
	// Events 按时间顺序返回指定任务的全部事件。
	Events(ctx context.Context, taskID string) ([]Event, error)
	// Drop 删除指定任务的全部事件。
	Drop(ctx context.Context, taskID string) error
	// ClearAll 清空存储中的所有事件。
	ClearAll(ctx context.Context) error
	// Close 释放底层资源。
	Close() error
}
