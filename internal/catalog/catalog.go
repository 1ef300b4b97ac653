// Package catalog provides the emission-factor reference data backing the
// carbon lookup tools. Factors are loaded from a YAML file and matched by
// key or keyword.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category 区分排放因子的类别。
type Category string

const (
	// CategoryGrid 表示区域电网碳强度。
	CategoryGrid Category = "grid"
	// CategoryService 表示云服务或设备的单位排放因子。
	CategoryService Category = "service"
)

// Factor 描述一条排放因子数据。
type Factor struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Category    Category `yaml:"category"`
	Value       float64  `yaml:"value"`
	Unit        string   `yaml:"unit"`
	Uncertainty float64  `yaml:"uncertainty,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`
	Source      string   `yaml:"source,omitempty"`
}

// file 对应 YAML 文件的顶层结构。
type file struct {
	Factors []Factor `yaml:"factors"`
}

// Catalog 提供排放因子的查询能力。
type Catalog struct {
	factors    []Factor
	byKey      map[string]int
	maxResults int
}

// New 基于给定的因子列表构建目录。
func New(factors []Factor, maxResults int) *Catalog {
	if maxResults <= 0 {
		maxResults = 5
	}
	byKey := make(map[string]int, len(factors))
	for idx, factor := range factors {
		key := strings.ToLower(strings.TrimSpace(factor.Key))
		if key == "" {
			continue
		}
		byKey[key] = idx
	}
	return &Catalog{
		factors:    factors,
		byKey:      byKey,
		maxResults: maxResults,
	}
}

// Load 从 YAML 文件加载排放因子目录。
func Load(path string, maxResults int) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("排放因子文件路径不能为空")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取排放因子文件失败: %w", err)
	}

	var parsed file
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("解析排放因子文件失败: %w", err)
	}
	if len(parsed.Factors) == 0 {
		return nil, fmt.Errorf("排放因子文件 %s 中没有任何条目", path)
	}

	return New(parsed.Factors, maxResults), nil
}

// Get 按 key 精确查找因子。
func (c *Catalog) Get(key string) (Factor, bool) {
	if c == nil {
		return Factor{}, false
	}
	idx, ok := c.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Factor{}, false
	}
	return c.factors[idx], true
}

// Lookup 根据查询词进行关键字匹配，返回最多 maxResults 条结果。
// category 为空时不过滤类别。
func (c *Catalog) Lookup(query string, category Category) []Factor {
	if c == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))

	results := make([]Factor, 0, c.maxResults)
	for _, factor := range c.factors {
		if category != "" && factor.Category != category {
			continue
		}
		if matches(factor, query) {
			results = append(results, factor)
			if len(results) >= c.maxResults {
				break
			}
		}
	}
	return results
}

// Len 返回目录中的条目数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.factors)
}

func matches(factor Factor, query string) bool {
	if query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(factor.Key), query) {
		return true
	}
	if strings.Contains(strings.ToLower(factor.Name), query) {
		return true
	}
	for _, keyword := range factor.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) || strings.Contains(normalized, query) {
			return true
		}
	}
	return false
}
