package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// PlanKind 区分规划结果的类别。
type PlanKind string

const (
	// PlanFinal 表示模型给出了最终答复。
	PlanFinal PlanKind = "final"
	// PlanToolCall 表示模型请求调用一个工具。
	PlanToolCall PlanKind = "tool_call"
	// PlanInvalid 表示模型输出无法解析为合法规划。
	// 这是一个可恢复状态：编排器会向上下文追加纠正指令后继续循环。
	PlanInvalid PlanKind = "invalid"
)

// Plan 是模型对下一步行动的结构化决策。
// Kind 为 PlanFinal 时 Answer 有效；为 PlanToolCall 时 ToolName/Args 有效；
// 为 PlanInvalid 时 Raw 保留原始输出以供诊断。
type Plan struct {
	Kind      PlanKind       `json:"kind"`
	Answer    string         `json:"answer,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// Planner 定义了调用规划模型的统一接口。
// history 是按时间排列的完整会话片段，每次调用都携带全量上下文。
type Planner interface {
	Plan(ctx context.Context, history []string) (*Plan, error)
}

// wirePlan 是模型侧约定的 JSON 输出结构。
type wirePlan struct {
	Action    string         `json:"action"`
	Answer    string         `json:"answer"`
	Reasoning string         `json:"reasoning"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
}

// ParsePlanContent 将模型原始输出解析为 Plan。
// 无法解析或 action 未知时返回 PlanInvalid，绝不返回错误——畸形输出
// 是会话层面的可恢复状态。
func ParsePlanContent(content string) *Plan {
	raw := strings.TrimSpace(content)
	stripped := stripCodeFence(raw)

	var wire wirePlan
	if err := json.Unmarshal([]byte(stripped), &wire); err != nil {
		return &Plan{Kind: PlanInvalid, Raw: raw}
	}

	switch strings.ToLower(strings.TrimSpace(wire.Action)) {
	case "final", "final_answer":
		return &Plan{
			Kind:      PlanFinal,
			Answer:    wire.Answer,
			Reasoning: wire.Reasoning,
		}
	case "tool_call", "tool":
		return &Plan{
			Kind:      PlanToolCall,
			ToolName:  strings.TrimSpace(wire.Tool),
			Args:      wire.Args,
			Reasoning: wire.Reasoning,
		}
	default:
		return &Plan{Kind: PlanInvalid, Raw: raw}
	}
}

// stripCodeFence 去掉模型偶尔附带的 Markdown 代码围栏。
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
