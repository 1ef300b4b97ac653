// Package simulate implements the Monte Carlo emission estimator. Emission
// factors are modelled as log-normal variables so sampled values stay
// non-negative, matching the physical constraint that no scenario can emit
// negative carbon.
package simulate

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/observability/metrics"
)

// Timeframe 表示估算结果的时间尺度。
type Timeframe string

const (
	TimeframeHour  Timeframe = "hour"
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
)

// 每个时间尺度对应的周期小时数。
var timeframeHours = map[Timeframe]float64{
	TimeframeHour:  1,
	TimeframeDay:   24,
	TimeframeWeek:  168,
	TimeframeMonth: 720,
	TimeframeYear:  8760,
}

const (
	// MinSamples 与 MaxSamples 约束单次模拟的采样数量。
	MinSamples = 100
	MaxSamples = 100000
	// DefaultSamples 是未指定采样数量时的默认值。
	DefaultSamples = 10000
	// DefaultUncertainty 是未声明不确定度时的相对离散度。
	DefaultUncertainty = 0.1
	defaultHoursPerDay = 24
)

// Scenario 描述一个待估算的排放场景。
// UncertaintyFraction 为 nil 时使用 DefaultUncertainty；显式的 0 表示无不确定度。
type Scenario struct {
	Name                string   `json:"name,omitempty"`
	Instances           float64  `json:"instances"`
	Factor              float64  `json:"factor"`
	HoursPerDay         float64  `json:"hours_per_day,omitempty"`
	UncertaintyFraction *float64 `json:"uncertainty_fraction,omitempty"`
}

// Breakdown 记录一次估算的输入构成，便于结果溯源。
type Breakdown struct {
	Instances           float64 `json:"instances"`
	Factor              float64 `json:"factor"`
	HoursPerDay         float64 `json:"hours_per_day"`
	TimeMultiplier      float64 `json:"time_multiplier"`
	UncertaintyFraction float64 `json:"uncertainty_fraction"`
}

// Estimate 汇总单个场景的统计结果。
type Estimate struct {
	Name               string     `json:"name"`
	Mean               float64    `json:"mean"`
	Std                float64    `json:"std"`
	Unit               string     `json:"unit"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	Breakdown          Breakdown  `json:"breakdown"`
	Samples            int        `json:"samples"`
}

// Comparison 描述两个场景之间的对比。
type Comparison struct {
	Base          string  `json:"base"`
	Other         string  `json:"other"`
	Difference    float64 `json:"difference"`
	PercentChange float64 `json:"percent_change"`
}

// Report 是一次模拟的完整输出。多场景时附带两两对比与排名。
type Report struct {
	Estimates   []Estimate   `json:"estimates"`
	Comparisons []Comparison `json:"comparisons,omitempty"`
	Best        string       `json:"best,omitempty"`
	Worst       string       `json:"worst,omitempty"`
	Timeframe   Timeframe    `json:"timeframe"`
	Confidence  int          `json:"confidence"`
	Samples     int          `json:"samples"`
}

// Params 描述一次模拟所需的全部输入。
type Params struct {
	Scenarios  []Scenario
	Samples    int
	Timeframe  Timeframe
	Confidence int
	Seed       int64
}

// 置信水平对应的正态分位数。
var zScores = map[int]float64{
	90: 1.64,
	95: 1.96,
	99: 2.58,
}

// Run 执行蒙特卡洛模拟并返回统计报告。
func Run(params Params) (*Report, error) {
	if len(params.Scenarios) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个排放场景")
	}

	samples := params.Samples
	if samples == 0 {
		samples = DefaultSamples
	}
	// 采样数量越界是校验错误，不做静默截断。
	if samples < MinSamples || samples > MaxSamples {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("采样数量 %d 超出允许范围 [%d, %d]", samples, MinSamples, MaxSamples))
	}

	timeframe := params.Timeframe
	if timeframe == "" {
		timeframe = TimeframeDay
	}
	periodHours, ok := timeframeHours[timeframe]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的时间尺度 %q", timeframe))
	}

	confidence := params.Confidence
	if confidence == 0 {
		confidence = 95
	}
	z, ok := zScores[confidence]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("置信水平 %d 不受支持，可选 90/95/99", confidence))
	}

	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	report := &Report{
		Estimates:  make([]Estimate, 0, len(params.Scenarios)),
		Timeframe:  timeframe,
		Confidence: confidence,
		Samples:    samples,
	}

	for idx, scenario := range params.Scenarios {
		estimate, err := runScenario(rng, scenario, idx, samples, periodHours, timeframe, z)
		if err != nil {
			return nil, err
		}
		report.Estimates = append(report.Estimates, *estimate)
	}

	if len(report.Estimates) > 1 {
		report.Comparisons = compare(report.Estimates)
		best, worst := rank(report.Estimates)
		report.Best = best
		report.Worst = worst
	}

	metrics.ObserveSimulation()
	return report, nil
}

func runScenario(rng *rand.Rand, scenario Scenario, idx, samples int, periodHours float64, timeframe Timeframe, z float64) (*Estimate, error) {
	name := scenario.Name
	if name == "" {
		name = fmt.Sprintf("scenario-%d", idx+1)
	}

	if scenario.Instances <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("场景 %s 的 instances 必须为正数", name))
	}
	if scenario.Factor <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("场景 %s 的 factor 必须为正数", name))
	}

	hoursPerDay := scenario.HoursPerDay
	if hoursPerDay == 0 {
		hoursPerDay = defaultHoursPerDay
	}
	if hoursPerDay < 0 || hoursPerDay > 24 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("场景 %s 的 hours_per_day 必须位于 (0, 24]", name))
	}

	uncertainty := DefaultUncertainty
	if scenario.UncertaintyFraction != nil {
		uncertainty = *scenario.UncertaintyFraction
	}
	if uncertainty < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("场景 %s 的 uncertainty_fraction 不能为负", name))
	}

	// 时间乘数：按每天运行小时数折算到目标周期。
	timeMultiplier := hoursPerDay * periodHours / 24

	// 对数正态参数化：均值等于声明的 factor，相对离散度等于 uncertainty。
	var logMean, logStd float64
	if uncertainty > 0 {
		variance := math.Log(1 + uncertainty*uncertainty)
		logMean = math.Log(scenario.Factor) - 0.5*variance
		logStd = math.Sqrt(variance)
	}

	sum := 0.0
	sumSq := 0.0
	for i := 0; i < samples; i++ {
		factorSample := scenario.Factor
		if uncertainty > 0 {
			factorSample = math.Exp(logMean + logStd*standardNormal(rng))
		}
		value := scenario.Instances * factorSample * timeMultiplier
		sum += value
		sumSq += value * value
	}

	n := float64(samples)
	mean := sum / n
	// 无偏样本方差（除以 n-1）。
	variance := (sumSq - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)

	return &Estimate{
		Name: name,
		Mean: mean,
		Std:  std,
		Unit: "kgCO2e/" + string(timeframe),
		ConfidenceInterval: [2]float64{
			mean - z*std,
			mean + z*std,
		},
		Breakdown: Breakdown{
			Instances:           scenario.Instances,
			Factor:              scenario.Factor,
			HoursPerDay:         hoursPerDay,
			TimeMultiplier:      timeMultiplier,
			UncertaintyFraction: uncertainty,
		},
		Samples: samples,
	}, nil
}

// standardNormal 通过 Box-Muller 变换生成标准正态随机数。
func standardNormal(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// compare 计算场景之间的两两差值与百分比变化。
func compare(estimates []Estimate) []Comparison {
	comparisons := make([]Comparison, 0, len(estimates)*(len(estimates)-1)/2)
	for i := 0; i < len(estimates); i++ {
		for j := i + 1; j < len(estimates); j++ {
			base, other := estimates[i], estimates[j]
			diff := other.Mean - base.Mean
			percent := 0.0
			if base.Mean != 0 {
				percent = diff / base.Mean * 100
			}
			comparisons = append(comparisons, Comparison{
				Base:          base.Name,
				Other:         other.Name,
				Difference:    diff,
				PercentChange: percent,
			})
		}
	}
	return comparisons
}

// rank 返回均值最低（best）与最高（worst）的场景名称。
func rank(estimates []Estimate) (best, worst string) {
	sorted := make([]Estimate, len(estimates))
	copy(sorted, estimates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Mean < sorted[j].Mean
	})
	return sorted[0].Name, sorted[len(sorted)-1].Name
}
