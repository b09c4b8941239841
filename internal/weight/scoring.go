package weight

import "math"

// Piecewise-linear maps from raw metric values to [0,1] scores. Breakpoints
// follow the operational bands: sub-200ms latency is ideal, 10% errors or 5%
// timeouts disqualify a server outright.

func responseTimeScore(ms float64) float64 {
	if ms <= 0 {
		return 0
	}
	switch {
	case ms <= 200:
		return 1.0
	case ms <= 500:
		return 1.0 - ((ms-200)/300)*0.5
	case ms <= 1000:
		return 0.5 - ((ms-500)/500)*0.4
	default:
		return math.Max(0, 0.1-((ms-1000)/2000)*0.1)
	}
}

func errorRateScore(pct float64) float64 {
	if pct <= 0 {
		return 1.0
	}
	if pct >= 10 {
		return 0
	}
	return 1.0 - pct/10.0
}

func successRateScore(pct float64) float64 {
	if pct >= 100 {
		return 1.0
	}
	if pct <= 90 {
		return 0
	}
	return (pct - 90.0) / 10.0
}

func timeoutScore(pct float64) float64 {
	if pct <= 0 {
		return 1.0
	}
	if pct >= 5 {
		return 0
	}
	return 1.0 - pct/5.0
}

func uptimeScore(pct float64) float64 {
	if pct >= 99.5 {
		return 1.0
	}
	if pct <= 90.0 {
		return 0
	}
	return (pct - 90.0) / 9.5
}

func degradationScore(score float64) float64 {
	if score <= 0 {
		return 1.0
	}
	if score >= 500 {
		return 0
	}
	return 1.0 - score/500.0
}
