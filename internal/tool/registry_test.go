package tool

import (
	"context"
	"strings"
	"testing"
)

type stubTool struct {
	name    string
	schema  Schema
	execute func(ctx context.Context, args map[string]any) *Result
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() Schema      { return s.schema }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) *Result {
	return s.execute(ctx, args)
}

func lookupStub() *stubTool {
	return &stubTool{
		name: "carbon_factor",
		schema: Schema{
			Required: []string{"query"},
			Properties: map[string]FieldType{
				"query": TypeString,
				"limit": TypeInteger,
			},
		},
		execute: func(_ context.Context, args map[string]any) *Result {
			return Succeed("carbon_factor", map[string]any{"query": args["query"]})
		},
	}
}

func TestExecuteValidArgs(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(lookupStub()); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	result := registry.Execute(context.Background(), "carbon_factor", map[string]any{"query": "us-east-1"})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Error != "" {
		t.Fatalf("成功结果不应携带 error: %q", result.Error)
	}
	if result.Meta.Tool != "carbon_factor" {
		t.Fatalf("unexpected meta tool %q", result.Meta.Tool)
	}
	if result.Meta.ExecutedAt.IsZero() {
		t.Fatal("执行时间戳不应为零值")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	registry := NewRegistry()
	result := registry.Execute(context.Background(), "missing", nil)
	if result.Success {
		t.Fatal("未注册工具不应成功")
	}
	if result.Error != "Tool 'missing' not found" {
		t.Fatalf("unexpected error message %q", result.Error)
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(lookupStub())

	cases := []map[string]any{
		nil,                          // 缺必填字段
		{"query": 42},                // 类型不符
		{"query": "x", "limit": 1.5}, // integer 字段传入小数
	}
	for idx, args := range cases {
		result := registry.Execute(context.Background(), "carbon_factor", args)
		if result.Success {
			t.Fatalf("case %d 应当校验失败", idx)
		}
		if result.Error != "Invalid arguments for tool 'carbon_factor'" {
			t.Fatalf("case %d unexpected error %q", idx, result.Error)
		}
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(&stubTool{
		name:   "explode",
		schema: Schema{},
		execute: func(context.Context, map[string]any) *Result {
			panic("boom")
		},
	})

	result := registry.Execute(context.Background(), "explode", nil)
	if result.Success {
		t.Fatal("panic 应转换为失败结果")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Fatalf("error 应包含 panic 信息: %q", result.Error)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(lookupStub()); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}
	if err := registry.Register(lookupStub()); err == nil {
		t.Fatal("重名注册应当报错")
	}
	if registry.Count() != 1 {
		t.Fatalf("expected 1 tool, got %d", registry.Count())
	}
	if !registry.Has("carbon_factor") {
		t.Fatal("Has 应返回 true")
	}
}

func TestSchemaValidateTypes(t *testing.T) {
	schema := Schema{
		Required: []string{"scenarios"},
		Properties: map[string]FieldType{
			"scenarios": TypeArray,
			"samples":   TypeInteger,
			"dry_run":   TypeBoolean,
			"factor":    TypeNumber,
			"options":   TypeObject,
		},
	}

	valid := map[string]any{
		"scenarios": []any{map[string]any{"instances": 1.0}},
		"samples":   float64(1000), // JSON 数字反序列化为 float64
		"dry_run":   true,
		"factor":    0.5,
		"options":   map[string]any{},
	}
	if !schema.ValidateArgs(valid) {
		t.Fatal("合法参数不应校验失败")
	}

	if schema.ValidateArgs(map[string]any{"scenarios": "not-an-array"}) {
		t.Fatal("array 字段传入字符串应失败")
	}
	if schema.ValidateArgs(map[string]any{"scenarios": []any{}, "dry_run": "yes"}) {
		t.Fatal("boolean 字段传入字符串应失败")
	}
	// 未在 Properties 中声明的字段不参与类型校验。
	if !schema.ValidateArgs(map[string]any{"scenarios": []any{}, "extra": 1}) {
		t.Fatal("未声明字段不应导致失败")
	}
}
