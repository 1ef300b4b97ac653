package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"CarbonScope/internal/simulate"
	"CarbonScope/internal/tool"
)

// EstimateTool 对一组场景执行蒙特卡洛排放估算。
type EstimateTool struct {
	defaultSamples int
}

// NewEstimateTool 创建估算工具。defaultSamples<=0 时使用模拟器默认值。
func NewEstimateTool(defaultSamples int) *EstimateTool {
	if defaultSamples <= 0 {
		defaultSamples = simulate.DefaultSamples
	}
	return &EstimateTool{defaultSamples: defaultSamples}
}

func (t *EstimateTool) Name() string { return "estimate_emissions" }

func (t *EstimateTool) Description() string {
	return "Run a Monte Carlo simulation to estimate carbon emissions with uncertainty. " +
		"Args: scenarios (array of {name?, instances, factor, hours_per_day?, uncertainty_fraction?}, required), " +
		"samples (integer, 100-100000), timeframe (hour|day|week|month|year), confidence (90|95|99). " +
		"Returns mean, std and confidence interval per scenario, plus comparisons when more than one scenario is given."
}

func (t *EstimateTool) Schema() tool.Schema {
	return tool.Schema{
		Required: []string{"scenarios"},
		Properties: map[string]tool.FieldType{
			"scenarios":  tool.TypeArray,
			"samples":    tool.TypeInteger,
			"timeframe":  tool.TypeString,
			"confidence": tool.TypeInteger,
		},
	}
}

// Execute 将工具参数转换为模拟输入并执行。
func (t *EstimateTool) Execute(_ context.Context, args map[string]any) *tool.Result {
	rawScenarios, _ := args["scenarios"].([]any)
	if len(rawScenarios) == 0 {
		return tool.Fail(t.Name(), "scenarios 不能为空")
	}

	// 经 JSON 往返把松散的 map 结构转换为强类型场景。
	encoded, err := json.Marshal(rawScenarios)
	if err != nil {
		return tool.Fail(t.Name(), fmt.Sprintf("场景序列化失败: %v", err))
	}
	var scenarios []simulate.Scenario
	if err := json.Unmarshal(encoded, &scenarios); err != nil {
		return tool.Fail(t.Name(), fmt.Sprintf("场景字段不合法: %v", err))
	}

	params := simulate.Params{
		Scenarios: scenarios,
		Samples:   t.defaultSamples,
	}
	if raw, ok := args["samples"]; ok {
		params.Samples = asInt(raw)
	}
	if raw, ok := args["timeframe"].(string); ok {
		params.Timeframe = simulate.Timeframe(raw)
	}
	if raw, ok := args["confidence"]; ok {
		params.Confidence = asInt(raw)
	}

	report, err := simulate.Run(params)
	if err != nil {
		return tool.Fail(t.Name(), err.Error())
	}
	return tool.Succeed(t.Name(), report)
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		parsed, _ := v.Int64()
		return int(parsed)
	default:
		return 0
	}
}
