package builtin

import (
	"context"
	"fmt"

	"CarbonScope/internal/catalog"
	"CarbonScope/internal/tool"
)

// GridIntensityTool 查询指定区域的电网碳强度。
type GridIntensityTool struct {
	catalog *catalog.Catalog
}

// NewGridIntensityTool 创建电网碳强度查询工具。
func NewGridIntensityTool(cat *catalog.Catalog) *GridIntensityTool {
	return &GridIntensityTool{catalog: cat}
}

func (t *GridIntensityTool) Name() string { return "grid_intensity" }

func (t *GridIntensityTool) Description() string {
	return "Look up the grid carbon intensity (kgCO2e/kWh) of a cloud region or country. " +
		"Args: region (string, required)."
}

func (t *GridIntensityTool) Schema() tool.Schema {
	return tool.Schema{
		Required: []string{"region"},
		Properties: map[string]tool.FieldType{
			"region": tool.TypeString,
		},
	}
}

// Execute 优先按 key 精确匹配（grid.<region>），其次做关键字检索。
func (t *GridIntensityTool) Execute(_ context.Context, args map[string]any) *tool.Result {
	if t.catalog == nil {
		return tool.Fail(t.Name(), "排放因子目录未加载")
	}
	region, _ := args["region"].(string)

	if factor, ok := t.catalog.Get("grid." + region); ok {
		return tool.Succeed(t.Name(), factor)
	}

	factors := t.catalog.Lookup(region, catalog.CategoryGrid)
	if len(factors) == 0 {
		return tool.Fail(t.Name(), fmt.Sprintf("no grid intensity data for region %q", region))
	}
	return tool.Succeed(t.Name(), factors[0])
}
