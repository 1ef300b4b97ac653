package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"CarbonScope/internal/observability/metrics"
	"CarbonScope/pkg/logger"
)

// Registry 维护 name→Tool 的映射，是所有工具调用的唯一派发入口。
// 它本身无状态可变项之外的共享数据，适合被多个任务并发使用。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册一个工具。重名注册返回错误。
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("无效的工具注册")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("工具 %s 已注册", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get 返回指定名称的工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List 返回所有已注册工具，按名称排序。
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Count 返回已注册工具数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute 按名称派发一次工具调用。
// 未注册的名称与校验失败都转换为失败结果；工具内部的 panic 被捕获并
// 转换为失败结果，绝不向编排循环传播。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return Fail(name, fmt.Sprintf("Tool '%s' not found", name))
	}

	if !t.Schema().ValidateArgs(args) {
		return Fail(name, fmt.Sprintf("Invalid arguments for tool '%s'", name))
	}
	metrics.ObserveToolCall(name)

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().Error("工具执行发生 panic",
				slog.String("tool", name),
				slog.Any("panic", recovered),
			)
			result = Fail(name, fmt.Sprintf("tool '%s' panicked: %v", name, recovered))
		}
	}()

	result = t.Execute(ctx, args)
	if result == nil {
		result = Fail(name, fmt.Sprintf("tool '%s' returned no result", name))
	}
	return result
}
