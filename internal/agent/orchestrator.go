package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"CarbonScope/internal/convo"
	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/llm"
	"CarbonScope/internal/notify"
	"CarbonScope/internal/observability/metrics"
	"CarbonScope/internal/tool"
	"CarbonScope/pkg/logger"
	"CarbonScope/pkg/retry"
)

// defaultMaxSteps 是单个任务允许的规划循环步数上限。
const defaultMaxSteps = 20

// Request 描述一次智能体任务。
type Request struct {
	TaskID        string         `json:"task_id,omitempty"`
	Prompt        string         `json:"prompt"`
	Params        map[string]any `json:"params,omitempty"`
	NotifyChannel string         `json:"notify_channel,omitempty"`
}

// Result 汇总一次任务执行的产出与统计。
type Result struct {
	Answer    string        `json:"answer"`
	Steps     int           `json:"steps"`
	LLMCalls  int           `json:"llm_calls"`
	ToolCalls int           `json:"tool_calls"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Orchestrator 驱动规划-执行循环，是系统的业务核心。
type Orchestrator struct {
	planner        llm.Planner
	registry       *tool.Registry
	store          convo.Store
	notifier       notify.Dispatcher
	maxSteps       int
	retryCfg       retry.Config
	plannerTimeout time.Duration
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithMaxSteps 设置规划循环的步数上限。
func WithMaxSteps(steps int) Option {
	return func(o *Orchestrator) {
		if steps > 0 {
			o.maxSteps = steps
		}
	}
}

// WithRetryConfig 设置规划与工具调用的重试策略。
func WithRetryConfig(cfg retry.Config) Option {
	return func(o *Orchestrator) {
		o.retryCfg = cfg
	}
}

// WithNotifier 配置任务完成通知的分发器。
func WithNotifier(dispatcher notify.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.notifier = dispatcher
	}
}

// WithPlannerTimeout 设置单次规划调用的超时时间。
func WithPlannerTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.plannerTimeout = timeout
		}
	}
}

// New 创建一个 Orchestrator。
func New(planner llm.Planner, registry *tool.Registry, store convo.Store, opts ...Option) *Orchestrator {
	orch := &Orchestrator{
		planner:  planner,
		registry: registry,
		store:    store,
		maxSteps: defaultMaxSteps,
		retryCfg: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(orch)
		}
	}
	return orch
}

// Execute 执行一次完整的规划循环。
// emit 在每条进度产生时被调用，可以为 nil。
// 无论成功、失败还是取消，最多只会产生一条终态增量；
// 失败和取消时返回的 Result 仍携带已累计的步数与调用计数。
func (o *Orchestrator) Execute(ctx context.Context, req Request, emit DeltaFunc) (result *Result, err error) {
	if o.planner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置规划器")
	}
	if o.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务提示词不能为空")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	startedAt := time.Now()
	stats := &Result{}
	terminal := false

	send := func(delta Delta) {
		if delta.Type == DeltaFinal || delta.Type == DeltaError {
			if terminal {
				return
			}
			terminal = true
		}
		delta.Timestamp = time.Now()
		if emit != nil {
			emit(delta)
		}
	}

	// 工具内部的 panic 已由注册表拦截，这里兜底规划器实现的 panic。
	defer func() {
		if recovered := recover(); recovered != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("任务执行发生 panic: %v", recovered))
			logger.L().Error("任务执行发生 panic",
				slog.String("task_id", req.TaskID),
				slog.Any("panic", recovered))
			send(Delta{Type: DeltaError, Content: err.Error()})
			o.sendNotification(req, "failed", "", err.Error(), stats.Steps)
			stats.Elapsed = time.Since(startedAt)
			result = stats
		}
	}()

	o.record(ctx, req.TaskID, convo.EventUserPrompt, o.promptPayload(req))

	history := o.seedHistory(req)

	for step := 1; step <= o.maxSteps; step++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = xerrors.Wrap(xerrors.CodeTaskCancelled, ctxErr, "任务被取消")
			send(Delta{Type: DeltaError, Content: err.Error()})
			o.sendNotification(req, "cancelled", "", err.Error(), stats.Steps)
			stats.Elapsed = time.Since(startedAt)
			return stats, err
		}
		stats.Steps = step

		plan, planErr := o.plan(ctx, history, stats)
		if planErr != nil {
			if ctx.Err() != nil {
				err = xerrors.Wrap(xerrors.CodeTaskCancelled, planErr, "任务被取消")
				send(Delta{Type: DeltaError, Content: err.Error()})
				o.sendNotification(req, "cancelled", "", err.Error(), stats.Steps)
				stats.Elapsed = time.Since(startedAt)
				return stats, err
			}
			err = xerrors.Wrap(xerrors.CodePlannerFailure, planErr, "规划器调用失败")
			send(Delta{Type: DeltaError, Content: err.Error()})
			o.sendNotification(req, "failed", "", err.Error(), stats.Steps)
			stats.Elapsed = time.Since(startedAt)
			return stats, err
		}

		planJSON := marshalJSON(plan)
		o.record(ctx, req.TaskID, convo.EventPlan, planJSON)
		send(Delta{
			Type:    DeltaPlan,
			Content: plan.Reasoning,
			Data:    map[string]any{"kind": string(plan.Kind), "tool": plan.ToolName},
		})

		switch plan.Kind {
		case llm.PlanFinal:
			o.record(ctx, req.TaskID, convo.EventFinal, plan.Answer)
			send(Delta{Type: DeltaFinal, Content: plan.Answer})
			o.sendNotification(req, "completed", plan.Answer, "", stats.Steps)
			stats.Answer = plan.Answer
			stats.Elapsed = time.Since(startedAt)
			return stats, nil

		case llm.PlanToolCall:
			stats.ToolCalls++
			callPayload := marshalJSON(map[string]any{"tool": plan.ToolName, "args": plan.Args})
			o.record(ctx, req.TaskID, convo.EventToolCall, callPayload)
			send(Delta{
				Type:    DeltaToolCall,
				Content: plan.ToolName,
				Data:    map[string]any{"args": plan.Args},
			})

			toolResult := o.executeTool(ctx, plan)
			resultJSON := marshalJSON(toolResult)
			o.record(ctx, req.TaskID, convo.EventToolResult, resultJSON)
			send(Delta{
				Type:    DeltaToolResult,
				Content: plan.ToolName,
				Data:    map[string]any{"success": toolResult.Success},
			})

			if toolResult.Success {
				history = append(history, fmt.Sprintf("Tool %s returned: %s", plan.ToolName, marshalJSON(toolResult.Data)))
			} else {
				// 工具失败不终止任务，交还给规划器调整策略。
				history = append(history, fmt.Sprintf("Tool %s failed: %s. Adjust your plan or answer with what you already know.", plan.ToolName, toolResult.Error))
			}

		default:
			// 畸形规划是可恢复状态，追加纠正指令后继续。
			history = append(history,
				"Your previous response could not be parsed as a plan. "+
					"Reply with exactly one JSON object using action \"tool_call\" or \"final\". Previous response: "+plan.Raw)
		}
	}

	err = xerrors.New(xerrors.CodeMaxStepsExceeded,
		fmt.Sprintf("任务在 %d 步内未能完成", o.maxSteps))
	send(Delta{Type: DeltaError, Content: err.Error()})
	o.sendNotification(req, "failed", "", err.Error(), stats.Steps)
	stats.Elapsed = time.Since(startedAt)
	return stats, err
}

// plan 带重试地调用规划器。
func (o *Orchestrator) plan(ctx context.Context, history []string, stats *Result) (*llm.Plan, error) {
	return retry.DoWithResult(ctx, o.retryCfg, func(ctx context.Context) (*llm.Plan, error) {
		planCtx := ctx
		if o.plannerTimeout > 0 {
			var cancel context.CancelFunc
			planCtx, cancel = context.WithTimeout(ctx, o.plannerTimeout)
			defer cancel()
		}
		stats.LLMCalls++
		metrics.ObservePlannerCall()
		return o.planner.Plan(planCtx, history)
	})
}

// executeTool 执行一次工具调用。
// 未注册与参数校验失败是确定性错误，立即返回；
// 其余失败按重试策略重试，耗尽后把最后一次失败结果交还给规划器。
func (o *Orchestrator) executeTool(ctx context.Context, plan *llm.Plan) *tool.Result {
	var last *tool.Result
	_ = retry.Do(ctx, o.retryCfg, func(ctx context.Context) error {
		last = o.registry.Execute(ctx, plan.ToolName, plan.Args)
		if last.Success || deterministicFailure(last.Error, plan.ToolName) {
			return nil
		}
		return xerrors.New(xerrors.CodeToolExecution, last.Error)
	})
	return last
}

func deterministicFailure(message, toolName string) bool {
	return message == fmt.Sprintf("Tool '%s' not found", toolName) ||
		message == fmt.Sprintf("Invalid arguments for tool '%s'", toolName)
}

// seedHistory 构造首轮规划上下文：用户请求、附加参数与工具清单。
func (o *Orchestrator) seedHistory(req Request) []string {
	history := []string{"User request: " + req.Prompt}
	if len(req.Params) > 0 {
		history = append(history, "Request parameters: "+marshalJSON(req.Params))
	}

	var builder strings.Builder
	builder.WriteString("Available tools:\n")
	for _, t := range o.registry.List() {
		schema := t.Schema()
		builder.WriteString(fmt.Sprintf("- %s: %s (required: %s, properties: %s)\n",
			t.Name(), t.Description(),
			marshalJSON(schema.Required), marshalJSON(schema.Properties)))
	}
	history = append(history, strings.TrimRight(builder.String(), "\n"))
	return history
}

func (o *Orchestrator) promptPayload(req Request) string {
	if len(req.Params) == 0 {
		return req.Prompt
	}
	return req.Prompt + "\nparams: " + marshalJSON(req.Params)
}

// record 追加一条对话事件，写入失败只记录日志，不中断任务。
func (o *Orchestrator) record(ctx context.Context, taskID string, eventType convo.EventType, data string) {
	if o.store == nil {
		return
	}
	event := convo.Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := o.store.Append(ctx, event); err != nil {
		logger.L().Warn("写入对话事件失败",
			slog.String("task_id", taskID),
			slog.String("type", string(eventType)),
			slog.Any("error", err))
	}
}

// sendNotification 尽力而为地发送完成通知。
// 只有请求显式指定渠道时才会派发；
// 任务上下文可能已取消，这里使用独立的超时上下文。
func (o *Orchestrator) sendNotification(req Request, status, summary, errMsg string, steps int) {
	if o.notifier == nil || req.NotifyChannel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := notify.Event{
		TaskID:      req.TaskID,
		Status:      status,
		Summary:     summary,
		Error:       errMsg,
		Steps:       steps,
		CompletedAt: time.Now(),
	}
	if err := o.notifier.NotifyChannel(ctx, notify.Channel(req.NotifyChannel), event); err != nil {
		logger.L().Warn("发送任务通知失败",
			slog.String("task_id", req.TaskID),
			slog.Any("error", err))
	}
}

func marshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
