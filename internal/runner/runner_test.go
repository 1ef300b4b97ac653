package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"CarbonScope/internal/agent"
	"CarbonScope/internal/convo"
	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/llm"
	"CarbonScope/internal/tool"
	"CarbonScope/pkg/retry"
)

// stubPlanner 在每次调用前可选地阻塞，便于测试取消逻辑。
type stubPlanner struct {
	plan  *llm.Plan
	block time.Duration
}

func (p *stubPlanner) Plan(ctx context.Context, _ []string) (*llm.Plan, error) {
	if p.block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.block):
		}
	}
	return p.plan, nil
}

func newRunner(planner llm.Planner, store convo.Store, opts ...Option) *Runner {
	orch := agent.New(planner, tool.NewRegistry(), store,
		agent.WithRetryConfig(retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond}))
	return New(orch, store, opts...)
}

func TestRunTaskSynchronous(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "42 kg"}}, store)
	defer run.Close()

	result, err := run.RunTask(context.Background(), agent.Request{Prompt: "estimate"})
	if err != nil {
		t.Fatalf("同步执行失败: %v", err)
	}
	if result.Answer != "42 kg" {
		t.Fatalf("回答不正确: %q", result.Answer)
	}

	tasks := run.List()
	if len(tasks) != 1 || tasks[0].Status != StatusCompleted {
		t.Fatalf("任务状态不正确: %+v", tasks)
	}
}

func TestStartTaskAsynchronous(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "ok"}, block: 20 * time.Millisecond}, store)
	defer run.Close()

	id, err := run.StartTask(agent.Request{Prompt: "async"})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	if id == "" {
		t.Fatal("应当返回任务 ID")
	}

	task, err := run.Get(id)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if task.Status.terminal() {
		t.Fatalf("任务不应立即结束: %s", task.Status)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := run.Wait(waitCtx, id); err != nil {
		t.Fatalf("等待任务失败: %v", err)
	}

	task, _ = run.Get(id)
	if task.Status != StatusCompleted || task.Answer != "ok" {
		t.Fatalf("任务结果不正确: %+v", task)
	}
}

func TestCancelTask(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "late"}, block: 5 * time.Second}, store)
	defer run.Close()

	id, err := run.StartTask(agent.Request{Prompt: "cancel me"})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := run.CancelTask(id); err != nil {
		t.Fatalf("取消任务失败: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := run.Wait(waitCtx, id); err != nil {
		t.Fatalf("等待任务失败: %v", err)
	}

	task, _ := run.Get(id)
	if task.Status != StatusCancelled {
		t.Fatalf("任务应处于取消状态: %s", task.Status)
	}

	if err := run.CancelTask(id); err == nil {
		t.Fatal("终态任务不应再次取消")
	}
}

func TestFailedTaskSnapshotKeepsCounters(t *testing.T) {
	store := convo.NewMemoryStore(100)
	planner := &stubPlanner{plan: &llm.Plan{
		Kind: llm.PlanToolCall, ToolName: "lookup", Args: map[string]any{},
	}}
	orch := agent.New(planner, tool.NewRegistry(), store,
		agent.WithMaxSteps(4),
		agent.WithRetryConfig(retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond}))
	run := New(orch, store)
	defer run.Close()

	result, err := run.RunTask(context.Background(), agent.Request{TaskID: "task-loop", Prompt: "loop"})
	if err == nil {
		t.Fatal("超过步数上限应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeMaxStepsExceeded {
		t.Fatalf("错误码不正确: %v", err)
	}
	if result == nil || result.Steps != 4 || result.LLMCalls != 4 || result.ToolCalls != 4 {
		t.Fatalf("失败结果应携带计数: %+v", result)
	}

	task, getErr := run.Get("task-loop")
	if getErr != nil {
		t.Fatalf("查询任务失败: %v", getErr)
	}
	if task.Status != StatusFailed {
		t.Fatalf("任务应处于失败状态: %s", task.Status)
	}
	if task.Steps != 4 || task.LLMCalls != 4 || task.ToolCalls != 4 {
		t.Fatalf("失败任务快照应携带计数: steps=%d llm=%d tool=%d",
			task.Steps, task.LLMCalls, task.ToolCalls)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal}}, convo.NewMemoryStore(10))
	defer run.Close()

	err := run.CancelTask("missing")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("错误码不正确: %v", err)
	}
}

func TestConcurrentTasksIsolated(t *testing.T) {
	store := convo.NewMemoryStore(1000)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "done"}}, store)
	defer run.Close()

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := run.StartTask(agent.Request{Prompt: "parallel"})
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, id)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := run.Wait(waitCtx, id); err != nil {
			t.Fatalf("等待任务 %s 失败: %v", id, err)
		}
		events, err := run.TaskHistory(context.Background(), id)
		if err != nil {
			t.Fatalf("查询任务事件失败: %v", err)
		}
		for _, event := range events {
			if event.TaskID != id {
				t.Fatalf("任务事件发生串扰: %s 中混入 %s", id, event.TaskID)
			}
		}
	}
}

func TestCleanupCompletedTasks(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "x"}}, store,
		WithRetention(10*time.Millisecond))
	defer run.Close()

	if _, err := run.RunTask(context.Background(), agent.Request{TaskID: "old-task", Prompt: "p"}); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	removed := run.CleanupCompletedTasks(context.Background())
	if removed != 1 {
		t.Fatalf("应当清理 1 个任务, 实际 %d", removed)
	}
	if _, err := run.Get("old-task"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("清理后任务应当不存在: %v", err)
	}
	events, _ := store.Events(context.Background(), "old-task")
	if len(events) != 0 {
		t.Fatalf("清理后事件应当被删除, 剩余 %d", len(events))
	}
}

func TestCleanupKeepsRecentAndRunning(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "x"}, block: 200 * time.Millisecond}, store,
		WithRetention(time.Hour))
	defer run.Close()

	id, _ := run.StartTask(agent.Request{Prompt: "still running"})
	if removed := run.CleanupCompletedTasks(context.Background()); removed != 0 {
		t.Fatalf("运行中的任务不应被清理: %d", removed)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = run.Wait(waitCtx, id)

	if removed := run.CleanupCompletedTasks(context.Background()); removed != 0 {
		t.Fatalf("保留期内的任务不应被清理: %d", removed)
	}
}

func TestExportTranscript(t *testing.T) {
	store := convo.NewMemoryStore(100)
	run := newRunner(&stubPlanner{plan: &llm.Plan{Kind: llm.PlanFinal, Answer: "the answer"}}, store)
	defer run.Close()

	if _, err := run.RunTask(context.Background(), agent.Request{TaskID: "task-x", Prompt: "question"}); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	transcript, err := run.ExportTranscript(context.Background(), "task-x")
	if err != nil {
		t.Fatalf("导出转录失败: %v", err)
	}
	if !strings.Contains(transcript, "Task: task-x") || !strings.Contains(transcript, "the answer") {
		t.Fatalf("转录内容不完整:\n%s", transcript)
	}
}
