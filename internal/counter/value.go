package counter

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// defaultValue is the value of a shard that has no stored entry.
// Only shard 0 carries the configured initial value; every other shard starts at zero.
func defaultValue(index int, initial int64) int64 {
	if index == 0 {
		return initial
	}
	return 0
}

// sum adds values, saturating at the int64 limits instead of wrapping.
func sum(values []int64) int64 {
	var total int64
	for i, v := range values {
		next := total + v
		if (v > 0 && next < total) || (v < 0 && next > total) {
			return sumSlow(values[i:], total)
		}
		total = next
	}
	return total
}

// sumSlow finishes a sum that overflowed int64 in arbitrary precision.
func sumSlow(values []int64, partial int64) int64 {
	total := decimal.NewFromInt(partial)
	for _, v := range values {
		total = total.Add(decimal.NewFromInt(v))
	}
	return saturate(total)
}

func saturate(d decimal.Decimal) int64 {
	switch {
	case d.GreaterThan(maxInt64):
		return math.MaxInt64
	case d.LessThan(minInt64):
		return math.MinInt64
	default:
		return d.IntPart()
	}
}

// addSaturated returns a+b clamped to the int64 range.
func addSaturated(a, b int64) int64 {
	s := a + b
	switch {
	case b > 0 && s < a:
		return math.MaxInt64
	case b < 0 && s > a:
		return math.MinInt64
	default:
		return s
	}
}
