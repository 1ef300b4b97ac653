package tool

import (
	"context"
	"encoding/json"
	"time"
)

// FieldType 枚举 schema 中支持的参数类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Schema 以 JSON-Schema 的精简形式声明工具参数。
type Schema struct {
	Required   []string             `json:"required,omitempty"`
	Properties map[string]FieldType `json:"properties,omitempty"`
}

// ValidateArgs 检查必填字段是否齐全、已提供字段的运行时类型是否与声明一致。
// 校验失败返回 false 而不是错误，注册表据此在调用 Execute 之前短路。
func (s Schema) ValidateArgs(args map[string]any) bool {
	for _, field := range s.Required {
		if _, ok := args[field]; !ok {
			return false
		}
	}
	for field, value := range args {
		declared, ok := s.Properties[field]
		if !ok {
			continue
		}
		if !matchesType(value, declared) {
			return false
		}
	}
	return true
}

func matchesType(value any, declared FieldType) bool {
	switch declared {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		return isNumeric(value)
	case TypeInteger:
		// JSON 反序列化后的整数是 float64，要求其为整值。
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		default:
			return false
		}
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	default:
		return false
	}
}

// Meta 记录一次工具执行的元信息。
type Meta struct {
	Tool       string    `json:"tool"`
	ExecutedAt time.Time `json:"executed_at"`
	Cached     bool      `json:"cached,omitempty"`
}

// Result 是一次工具调用的结果。Success 与 Error 互斥。
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

// Succeed 构造一个成功结果。
func Succeed(toolName string, data any) *Result {
	return &Result{
		Success: true,
		Data:    data,
		Meta:    Meta{Tool: toolName, ExecutedAt: time.Now()},
	}
}

// Fail 构造一个失败结果。
func Fail(toolName, message string) *Result {
	return &Result{
		Success: false,
		Error:   message,
		Meta:    Meta{Tool: toolName, ExecutedAt: time.Now()},
	}
}

// Tool 是智能体可调用能力的统一契约。
type Tool interface {
	// Name 返回全局唯一的工具名。
	Name() string
	// Description 供规划模型理解工具用途。
	Description() string
	// Schema 声明参数约束。
	Schema() Schema
	// Execute 执行工具逻辑。失败通过 Result.Error 表达，不应返回 panic。
	Execute(ctx context.Context, args map[string]any) *Result
}
