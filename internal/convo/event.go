package convo

import "time"

// EventType 表示对话事件的类别。
type EventType string

const (
	// EventUserPrompt 记录用户提交的原始请求。
	EventUserPrompt EventType = "user_prompt"
	// EventPlan 记录规划器产出的一步规划。
	EventPlan EventType = "llm_plan"
	// EventToolCall 记录一次工具调用请求。
	EventToolCall EventType = "tool_call"
	// EventToolResult 记录工具调用的返回结果。
	EventToolResult EventType = "tool_result"
	// EventFinal 记录任务的最终回答。
	EventFinal EventType = "final"
)

// Event 是对话流中的一条记录。
type Event struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}
