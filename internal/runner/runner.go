// Package runner 管理智能体任务的并发执行与生命周期。
// 每个任务在独立协程中运行，支持异步提交、协作式取消和过期清理。
package runner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"CarbonScope/internal/agent"
	"CarbonScope/internal/convo"
	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/observability/metrics"
	"CarbonScope/pkg/logger"
)

// Status 表示任务的生命周期状态。
type Status string

// 任务状态常量
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal 判断状态是否为终态。
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task 是任务状态的只读快照。
type Task struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Status      Status    `json:"status"`
	Answer      string    `json:"answer,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Steps       int       `json:"steps"`
	LLMCalls    int       `json:"llm_calls"`
	ToolCalls   int       `json:"tool_calls"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

type entry struct {
	task   Task
	cancel context.CancelFunc
	stream *agent.Stream
	done   chan struct{}
}

// DefaultRetention 是终态任务在被清理前的默认保留时长。
const DefaultRetention = 24 * time.Hour

// Runner 调度任务执行。
type Runner struct {
	orch      *agent.Orchestrator
	store     convo.Store
	retention time.Duration

	mu    sync.RWMutex
	tasks map[string]*entry
	wg    sync.WaitGroup
}

// Option 定义可选的 Runner 配置。
type Option func(*Runner)

// WithRetention 设置终态任务的保留时长。
func WithRetention(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.retention = d
		}
	}
}

// New 创建 Runner。
func New(orch *agent.Orchestrator, store convo.Store, opts ...Option) *Runner {
	runner := &Runner{
		orch:      orch,
		store:     store,
		retention: DefaultRetention,
		tasks:     make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

// StartTask 异步提交一个任务并立即返回任务 ID。
func (r *Runner) StartTask(req agent.Request) (string, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	item := &entry{
		task: Task{
			ID:        req.TaskID,
			Prompt:    req.Prompt,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		stream: agent.NewStream(128),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.tasks[req.TaskID]; exists {
		r.mu.Unlock()
		cancel()
		return "", xerrors.New(xerrors.CodeConflict, "任务 ID 已存在")
	}
	r.tasks[req.TaskID] = item
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, req, item)
	}()
	return req.TaskID, nil
}

// RunTask 同步执行一个任务，阻塞到任务结束并返回执行结果。
func (r *Runner) RunTask(ctx context.Context, req agent.Request) (*agent.Result, error) {
	id, err := r.StartTask(req)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	item := r.tasks[id]
	r.mu.RUnlock()

	select {
	case <-ctx.Done():
		// 调用方放弃等待时取消任务本身。
		item.cancel()
		<-item.done
	case <-item.done:
	}

	task, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	result := &agent.Result{
		Answer:    task.Answer,
		Steps:     task.Steps,
		LLMCalls:  task.LLMCalls,
		ToolCalls: task.ToolCalls,
	}
	if task.Status != StatusCompleted {
		return result, xerrors.New(xerrors.Code(task.ErrorCode), task.Error)
	}
	return result, nil
}

func (r *Runner) run(ctx context.Context, req agent.Request, item *entry) {
	defer close(item.done)
	defer item.stream.Close()

	r.update(req.TaskID, func(task *Task) {
		task.Status = StatusRunning
	})

	emit := func(delta agent.Delta) {
		item.stream.Push(delta)
	}

	result, err := r.orch.Execute(ctx, req, emit)
	completedAt := time.Now()

	switch {
	case err == nil:
		r.update(req.TaskID, func(task *Task) {
			task.Status = StatusCompleted
			task.Answer = result.Answer
			applyCounters(task, result)
			task.CompletedAt = completedAt
		})
	case xerrors.CodeOf(err) == xerrors.CodeTaskCancelled:
		r.update(req.TaskID, func(task *Task) {
			task.Status = StatusCancelled
			task.Error = err.Error()
			task.ErrorCode = string(xerrors.CodeOf(err))
			applyCounters(task, result)
			task.CompletedAt = completedAt
		})
	default:
		r.update(req.TaskID, func(task *Task) {
			task.Status = StatusFailed
			task.Error = err.Error()
			task.ErrorCode = string(xerrors.CodeOf(err))
			applyCounters(task, result)
			task.CompletedAt = completedAt
		})
	}

	r.mu.RLock()
	status := item.task.Status
	r.mu.RUnlock()
	metrics.ObserveTaskFinished(string(status))
}

// applyCounters 把编排器累计的计数写入任务快照。
// 失败与取消的任务同样携带计数。
func applyCounters(task *Task, result *agent.Result) {
	if result == nil {
		return
	}
	task.Steps = result.Steps
	task.LLMCalls = result.LLMCalls
	task.ToolCalls = result.ToolCalls
}

func (r *Runner) update(id string, apply func(*Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.tasks[id]
	if !ok {
		return
	}
	apply(&item.task)
	item.task.UpdatedAt = time.Now()
}

// Get 返回任务快照。
func (r *Runner) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tasks[id]
	if !ok {
		return Task{}, xerrors.New(xerrors.CodeNotFound, "任务不存在")
	}
	return item.task, nil
}

// List 返回全部任务快照，按创建时间倒序排列。
func (r *Runner) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]Task, 0, len(r.tasks))
	for _, item := range r.tasks {
		tasks = append(tasks, item.task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// CancelTask 请求取消任务。取消是协作式的：
// 正在执行的步骤完成后任务才会真正停止。
func (r *Runner) CancelTask(id string) error {
	r.mu.RLock()
	item, ok := r.tasks[id]
	finished := ok && item.task.Status.terminal()
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "任务不存在")
	}
	if finished {
		return xerrors.New(xerrors.CodeConflict, "任务已结束，无法取消")
	}
	item.cancel()
	return nil
}

// Stream 返回任务的增量流，供 SSE 消费。
func (r *Runner) Stream(id string) (*agent.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tasks[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "任务不存在")
	}
	return item.stream, nil
}

// Wait 阻塞到任务结束。
func (r *Runner) Wait(ctx context.Context, id string) error {
	r.mu.RLock()
	item, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "任务不存在")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-item.done:
		return nil
	}
}

// TaskHistory 返回任务的完整事件流。
func (r *Runner) TaskHistory(ctx context.Context, id string) ([]convo.Event, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置事件存储")
	}
	events, err := r.store.Events(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务事件失败")
	}
	return events, nil
}

// ExportTranscript 导出任务的文本转录。
func (r *Runner) ExportTranscript(ctx context.Context, id string) (string, error) {
	events, err := r.TaskHistory(ctx, id)
	if err != nil {
		return "", err
	}
	return convo.Transcript(id, events), nil
}

// CleanupCompletedTasks 移除超过保留时长的终态任务及其事件，
// 返回清理的任务数量。
func (r *Runner) CleanupCompletedTasks(ctx context.Context) int {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	var expired []string
	for id, item := range r.tasks {
		if item.task.Status.terminal() && item.task.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.store == nil {
			continue
		}
		if err := r.store.Drop(ctx, id); err != nil {
			logger.L().Warn("清理任务事件失败",
				slog.String("task_id", id),
				slog.Any("error", err))
		}
	}
	if len(expired) > 0 {
		logger.Named("runner").Info("清理过期任务", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// StartJanitor 启动周期性的过期任务清理协程，直到上下文取消。
func (r *Runner) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupCompletedTasks(ctx)
			}
		}
	}()
}

// Close 取消所有运行中的任务并等待协程退出。
func (r *Runner) Close() {
	r.mu.RLock()
	for _, item := range r.tasks {
		if !item.task.Status.terminal() {
			item.cancel()
		}
	}
	r.mu.RUnlock()
	r.wg.Wait()
}
