package builtin

import (
	"context"
	"fmt"

	"CarbonScope/internal/catalog"
	"CarbonScope/internal/tool"
)

// CarbonFactorTool 按关键字查询云服务/设备的排放因子。
type CarbonFactorTool struct {
	catalog *catalog.Catalog
}

// NewCarbonFactorTool 创建排放因子查询工具。
func NewCarbonFactorTool(cat *catalog.Catalog) *CarbonFactorTool {
	return &CarbonFactorTool{catalog: cat}
}

func (t *CarbonFactorTool) Name() string { return "carbon_factor" }

func (t *CarbonFactorTool) Description() string {
	return "Look up carbon emission factors for cloud services, regions and devices. " +
		"Args: query (string, required). Returns matching factors with value and unit."
}

func (t *CarbonFactorTool) Schema() tool.Schema {
	return tool.Schema{
		Required: []string{"query"},
		Properties: map[string]tool.FieldType{
			"query": tool.TypeString,
		},
	}
}

// Execute 执行关键字检索。查无结果时返回失败，便于模型换一种问法。
func (t *CarbonFactorTool) Execute(_ context.Context, args map[string]any) *tool.Result {
	if t.catalog == nil {
		return tool.Fail(t.Name(), "排放因子目录未加载")
	}
	query, _ := args["query"].(string)

	factors := t.catalog.Lookup(query, "")
	if len(factors) == 0 {
		return tool.Fail(t.Name(), fmt.Sprintf("no emission factors matched %q", query))
	}

	return tool.Succeed(t.Name(), map[string]any{
		"query":   query,
		"factors": factors,
	})
}
