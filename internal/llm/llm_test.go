package llm

import "testing"

func TestParseFinalPlan(t *testing.T) {
	plan := ParsePlanContent(`{"action":"final","answer":"eu-west-1 emits less","reasoning":"lower grid intensity"}`)
	if plan.Kind != PlanFinal {
		t.Fatalf("expected final, got %s", plan.Kind)
	}
	if plan.Answer != "eu-west-1 emits less" {
		t.Fatalf("unexpected answer %q", plan.Answer)
	}
	if plan.Reasoning == "" {
		t.Fatal("reasoning 不应为空")
	}
}

func TestParseToolCallPlan(t *testing.T) {
	plan := ParsePlanContent(`{"action":"tool_call","tool":"grid_intensity","args":{"region":"us-east-1"},"reasoning":"need data"}`)
	if plan.Kind != PlanToolCall {
		t.Fatalf("expected tool_call, got %s", plan.Kind)
	}
	if plan.ToolName != "grid_intensity" {
		t.Fatalf("unexpected tool %q", plan.ToolName)
	}
	if plan.Args["region"] != "us-east-1" {
		t.Fatalf("unexpected args %v", plan.Args)
	}
}

func TestParseCodeFencedPlan(t *testing.T) {
	content := "```json\n{\"action\":\"final\",\"answer\":\"done\"}\n```"
	plan := ParsePlanContent(content)
	if plan.Kind != PlanFinal {
		t.Fatalf("围栏包裹的 JSON 应可解析, got %s", plan.Kind)
	}
}

func TestParseMalformedContent(t *testing.T) {
	cases := []string{
		"I think we should look up the grid intensity first.",
		`{"action":"dance"}`,
		`{"action":`,
		"",
	}
	for idx, content := range cases {
		plan := ParsePlanContent(content)
		if plan.Kind != PlanInvalid {
			t.Fatalf("case %d 应解析为 invalid, got %s", idx, plan.Kind)
		}
	}
	// 原始输出要保留下来便于诊断。
	plan := ParsePlanContent("not json at all")
	if plan.Raw != "not json at all" {
		t.Fatalf("Raw 未保留: %q", plan.Raw)
	}
}
