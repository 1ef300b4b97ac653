// Package builtin provides the engine's bundled tools: emission-factor and
// grid-intensity lookups backed by the YAML catalog, and the Monte Carlo
// emission estimator.
package builtin

import (
	"CarbonScope/internal/catalog"
	"CarbonScope/internal/tool"
)

// RegisterAll 将全部内置工具注册到给定注册表。
func RegisterAll(registry *tool.Registry, cat *catalog.Catalog, defaultSamples int) error {
	tools := []tool.Tool{
		NewCarbonFactorTool(cat),
		NewGridIntensityTool(cat),
		NewEstimateTool(defaultSamples),
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
