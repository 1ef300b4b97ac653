package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"CarbonScope/internal/convo"
	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/llm"
	"CarbonScope/internal/notify"
	"CarbonScope/internal/tool"
	"CarbonScope/pkg/retry"
)

// scriptPlanner 按脚本顺序返回规划，超出脚本后重复最后一条。
type scriptPlanner struct {
	plans []*llm.Plan
	err   error
	calls int
}

func (p *scriptPlanner) Plan(_ context.Context, _ []string) (*llm.Plan, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	index := p.calls - 1
	if index >= len(p.plans) {
		index = len(p.plans) - 1
	}
	return p.plans[index], nil
}

type echoTool struct {
	failures int
	calls    int
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes the message back" }

func (t *echoTool) Schema() tool.Schema {
	return tool.Schema{
		Required:   []string{"msg"},
		Properties: map[string]tool.FieldType{"msg": tool.TypeString},
	}
}

func (t *echoTool) Execute(_ context.Context, args map[string]any) *tool.Result {
	t.calls++
	if t.calls <= t.failures {
		return tool.Fail(t.Name(), "upstream temporarily unavailable")
	}
	return tool.Succeed(t.Name(), map[string]any{"echo": args["msg"]})
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond}
}

func collectDeltas(target *[]Delta) DeltaFunc {
	return func(delta Delta) {
		*target = append(*target, delta)
	}
}

func TestExecuteFinalAnswerImmediately(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanFinal, Answer: "your cluster emits about 12 kgCO2e per day"},
	}}
	store := convo.NewMemoryStore(100)
	orch := New(planner, tool.NewRegistry(), store, WithRetryConfig(fastRetry()))

	var deltas []Delta
	result, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "estimate my cluster"}, collectDeltas(&deltas))
	if err != nil {
		t.Fatalf("任务执行失败: %v", err)
	}
	if result.Answer == "" || result.Steps != 1 || result.LLMCalls != 1 || result.ToolCalls != 0 {
		t.Fatalf("执行统计不正确: %+v", result)
	}

	events, _ := store.Events(context.Background(), "task-1")
	if len(events) != 3 {
		t.Fatalf("期望 3 条事件(prompt/plan/final), 实际 %d", len(events))
	}
	if events[0].Type != convo.EventUserPrompt || events[2].Type != convo.EventFinal {
		t.Fatalf("事件类型顺序不正确: %s ... %s", events[0].Type, events[2].Type)
	}
	if deltas[len(deltas)-1].Type != DeltaFinal {
		t.Fatalf("最后一条增量应为 final: %s", deltas[len(deltas)-1].Type)
	}
}

func TestExecuteToolCallThenFinal(t *testing.T) {
	registry := tool.NewRegistry()
	echo := &echoTool{}
	if err := registry.Register(echo); err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}

	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanToolCall, ToolName: "echo", Args: map[string]any{"msg": "hello"}},
		{Kind: llm.PlanFinal, Answer: "done"},
	}}
	store := convo.NewMemoryStore(100)
	orch := New(planner, registry, store, WithRetryConfig(fastRetry()))

	var deltas []Delta
	result, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "run echo"}, collectDeltas(&deltas))
	if err != nil {
		t.Fatalf("任务执行失败: %v", err)
	}
	if result.Steps != 2 || result.LLMCalls != 2 || result.ToolCalls != 1 {
		t.Fatalf("执行统计不正确: %+v", result)
	}

	events, _ := store.Events(context.Background(), "task-1")
	var types []convo.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	expected := []convo.EventType{
		convo.EventUserPrompt, convo.EventPlan, convo.EventToolCall,
		convo.EventToolResult, convo.EventPlan, convo.EventFinal,
	}
	if len(types) != len(expected) {
		t.Fatalf("事件数量不正确: %v", types)
	}
	for i := range expected {
		if types[i] != expected[i] {
			t.Fatalf("事件顺序不正确: 第 %d 条为 %s, 期望 %s", i, types[i], expected[i])
		}
	}
}

func TestExecuteStopsAtMaxSteps(t *testing.T) {
	registry := tool.NewRegistry()
	echo := &echoTool{}
	_ = registry.Register(echo)

	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanToolCall, ToolName: "echo", Args: map[string]any{"msg": "again"}},
	}}
	orch := New(planner, registry, convo.NewMemoryStore(1000), WithRetryConfig(fastRetry()))

	var deltas []Delta
	res, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "loop forever"}, collectDeltas(&deltas))
	if err == nil {
		t.Fatal("超过步数上限应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeMaxStepsExceeded {
		t.Fatalf("错误码不正确: %s", xerrors.CodeOf(err))
	}
	if planner.calls != defaultMaxSteps {
		t.Fatalf("规划器应被调用 %d 次, 实际 %d", defaultMaxSteps, planner.calls)
	}
	if res == nil {
		t.Fatal("失败的任务也应返回执行计数")
	}
	if res.Steps != defaultMaxSteps || res.LLMCalls != defaultMaxSteps || res.ToolCalls != defaultMaxSteps {
		t.Fatalf("失败结果的计数不正确: steps=%d llm=%d tool=%d",
			res.Steps, res.LLMCalls, res.ToolCalls)
	}

	terminalCount := 0
	for _, delta := range deltas {
		if delta.Type == DeltaFinal || delta.Type == DeltaError {
			terminalCount++
		}
	}
	if terminalCount != 1 {
		t.Fatalf("终态增量应当只有一条, 实际 %d", terminalCount)
	}
}

func TestExecuteRecoversFromInvalidPlan(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanInvalid, Raw: "I think I should..."},
		{Kind: llm.PlanFinal, Answer: "recovered"},
	}}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100), WithRetryConfig(fastRetry()))

	result, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "try"}, nil)
	if err != nil {
		t.Fatalf("畸形规划应当可恢复: %v", err)
	}
	if result.Answer != "recovered" || result.Steps != 2 {
		t.Fatalf("恢复后的统计不正确: %+v", result)
	}
}

func TestExecuteContinuesAfterToolFailure(t *testing.T) {
	registry := tool.NewRegistry()
	echo := &echoTool{failures: 1}
	_ = registry.Register(echo)

	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanToolCall, ToolName: "echo", Args: map[string]any{"msg": "x"}},
		{Kind: llm.PlanFinal, Answer: "gave up on the tool"},
	}}
	orch := New(planner, registry, convo.NewMemoryStore(100), WithRetryConfig(fastRetry()))

	result, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "try tool"}, nil)
	if err != nil {
		t.Fatalf("工具失败不应终止任务: %v", err)
	}
	if result.Answer != "gave up on the tool" {
		t.Fatalf("任务应以最终回答结束: %+v", result)
	}
}

func TestExecuteRetriesTransientToolFailure(t *testing.T) {
	registry := tool.NewRegistry()
	echo := &echoTool{failures: 2}
	_ = registry.Register(echo)

	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanToolCall, ToolName: "echo", Args: map[string]any{"msg": "x"}},
		{Kind: llm.PlanFinal, Answer: "ok"},
	}}
	orch := New(planner, registry, convo.NewMemoryStore(100),
		WithRetryConfig(retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond}))

	result, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "retry tool"}, nil)
	if err != nil {
		t.Fatalf("瞬时失败应当被重试: %v", err)
	}
	if echo.calls != 3 {
		t.Fatalf("工具应被调用 3 次(两次失败后成功), 实际 %d", echo.calls)
	}
	if result.ToolCalls != 1 {
		t.Fatalf("逻辑工具调用应当只计 1 次: %+v", result)
	}
}

func TestExecuteUnknownToolNotRetried(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanToolCall, ToolName: "missing", Args: map[string]any{}},
		{Kind: llm.PlanFinal, Answer: "done without tool"},
	}}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100),
		WithRetryConfig(retry.Config{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}))

	started := time.Now()
	if _, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "x"}, nil); err != nil {
		t.Fatalf("未知工具应当交还给规划器处理: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 40*time.Millisecond {
		t.Fatalf("确定性失败不应触发重试等待: %v", elapsed)
	}
}

func TestExecutePlannerFailure(t *testing.T) {
	planner := &scriptPlanner{err: errors.New("connection refused")}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100),
		WithRetryConfig(retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond}))

	res, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "x"}, nil)
	if err == nil {
		t.Fatal("规划器失败应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodePlannerFailure {
		t.Fatalf("错误码不正确: %s", xerrors.CodeOf(err))
	}
	if planner.calls != 3 {
		t.Fatalf("规划器应被重试 3 次, 实际 %d", planner.calls)
	}
	if res == nil || res.LLMCalls != 3 {
		t.Fatalf("失败结果应携带规划器调用计数: %+v", res)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanFinal, Answer: "never"},
	}}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100), WithRetryConfig(fastRetry()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Execute(ctx, Request{TaskID: "task-1", Prompt: "x"}, nil)
	if err == nil {
		t.Fatal("已取消的上下文应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTaskCancelled {
		t.Fatalf("错误码不正确: %s", xerrors.CodeOf(err))
	}
}

func TestExecuteRejectsEmptyPrompt(t *testing.T) {
	orch := New(&scriptPlanner{}, tool.NewRegistry(), convo.NewMemoryStore(100))
	if _, err := orch.Execute(context.Background(), Request{Prompt: "   "}, nil); err == nil {
		t.Fatal("空提示词应当被拒绝")
	}
}

// countingDispatcher 统计广播与定向通知的次数。
type countingDispatcher struct {
	broadcasts int
	targeted   []notify.Channel
}

func (d *countingDispatcher) Notify(_ context.Context, _ notify.Event) error {
	d.broadcasts++
	return nil
}

func (d *countingDispatcher) NotifyChannel(_ context.Context, channel notify.Channel, _ notify.Event) error {
	d.targeted = append(d.targeted, channel)
	return nil
}

func TestNoNotificationWithoutChannel(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanFinal, Answer: "done"},
	}}
	dispatcher := &countingDispatcher{}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100),
		WithRetryConfig(fastRetry()), WithNotifier(dispatcher))

	if _, err := orch.Execute(context.Background(), Request{TaskID: "task-1", Prompt: "x"}, nil); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if dispatcher.broadcasts != 0 || len(dispatcher.targeted) != 0 {
		t.Fatalf("未指定渠道的请求不应触发通知: broadcasts=%d targeted=%d",
			dispatcher.broadcasts, len(dispatcher.targeted))
	}
}

func TestNotificationSentToRequestedChannel(t *testing.T) {
	planner := &scriptPlanner{plans: []*llm.Plan{
		{Kind: llm.PlanFinal, Answer: "done"},
	}}
	dispatcher := &countingDispatcher{}
	orch := New(planner, tool.NewRegistry(), convo.NewMemoryStore(100),
		WithRetryConfig(fastRetry()), WithNotifier(dispatcher))

	req := Request{TaskID: "task-1", Prompt: "x", NotifyChannel: "webhook"}
	if _, err := orch.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if dispatcher.broadcasts != 0 {
		t.Fatalf("指定渠道时不应广播: %d", dispatcher.broadcasts)
	}
	if len(dispatcher.targeted) != 1 || dispatcher.targeted[0] != notify.ChannelWebhook {
		t.Fatalf("通知应仅投递到请求的渠道: %v", dispatcher.targeted)
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	stream := NewStream(2)
	for i := 0; i < 5; i++ {
		stream.Push(Delta{Type: DeltaPlan})
	}
	stream.Close()

	count := 0
	for range stream.Deltas() {
		count++
	}
	if count != 2 {
		t.Fatalf("缓冲满后应丢弃增量: 期望 2, 实际 %d", count)
	}
}
