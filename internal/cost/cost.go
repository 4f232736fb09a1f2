// Package cost computes dollar cost estimates from token-usage telemetry.
package cost

import (
	"encoding/json"
	"math"
	"strconv"
)

// Rates holds dollar rates per million tokens for one pricing tier.
type Rates struct {
	Input      float64
	CacheWrite float64
	CacheRead  float64
	Output     float64
}

var (
	// standardRates is the default tier.
	standardRates = Rates{Input: 3.00, CacheWrite: 3.75, CacheRead: 0.30, Output: 15.00}

	// premiumRates applies to threads running a premium model. Strictly
	// higher than standardRates in every category.
	premiumRates = Rates{Input: 15.00, CacheWrite: 18.75, CacheRead: 1.50, Output: 75.00}
)

// RatesFor returns the rate table for the given tier.
func RatesFor(premium bool) Rates {
	if premium {
		return premiumRates
	}
	return standardRates
}

// Usage is a set of token counts from one usage report.
type Usage struct {
	InputTokens      int
	CacheWriteTokens int
	CacheReadTokens  int
	OutputTokens     int
}

// Add returns the element-wise sum of two usage reports.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
	}
}

// Total returns the total token count across all categories.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheWriteTokens + u.CacheReadTokens + u.OutputTokens
}

const tokensPerRateUnit = 1_000_000

// Compute returns the dollar cost of a usage report under the given tier.
// Cost is linear in each token category, so summing per-report costs equals
// the cost of the summed report.
func Compute(u Usage, premium bool) float64 {
	r := RatesFor(premium)
	return float64(u.InputTokens)*r.Input/tokensPerRateUnit +
		float64(u.CacheWriteTokens)*r.CacheWrite/tokensPerRateUnit +
		float64(u.CacheReadTokens)*r.CacheRead/tokensPerRateUnit +
		float64(u.OutputTokens)*r.Output/tokensPerRateUnit
}

// FormatUSD renders a dollar amount with exactly four decimal places, the
// precision used on the wire.
func FormatUSD(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 4, 64)
}

// ContextPercent returns the context-window fill percentage, rounded to the
// nearest integer.
func ContextPercent(totalTokens, maxTokens int) int {
	if maxTokens <= 0 {
		return 0
	}
	return int(math.Round(float64(totalTokens) / float64(maxTokens) * 100))
}

// flatToolCost maps hidden-cost tools without a size signal to a fixed
// estimate.
var flatToolCost = map[string]float64{
	"WebSearch": 0.01,
}

// taskBucket is one size bucket for sub-agent dispatch estimates.
type taskBucket struct {
	maxPromptLen int
	cost         float64
}

// taskBuckets estimates sub-agent cost from the dispatched prompt length.
var taskBuckets = []taskBucket{
	{maxPromptLen: 200, cost: 0.05},
	{maxPromptLen: 1000, cost: 0.15},
	{maxPromptLen: math.MaxInt, cost: 0.40},
}

// EstimateTool returns a dollar estimate for a tool whose cost is invisible
// to token accounting, such as a sub-agent dispatch. The second return is
// false for tools whose cost is already covered by usage telemetry.
func EstimateTool(name string, input json.RawMessage) (float64, bool) {
	if c, ok := flatToolCost[name]; ok {
		return c, true
	}
	if name != "Task" {
		return 0, false
	}
	var params struct {
		Prompt string `json:"prompt"`
	}
	// A Task with an unreadable prompt still lands in the smallest bucket.
	_ = json.Unmarshal(input, &params)
	for _, b := range taskBuckets {
		if len(params.Prompt) < b.maxPromptLen {
			return b.cost, true
		}
	}
	return taskBuckets[len(taskBuckets)-1].cost, true
}
