package weight

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestResponseTimeScore(t *testing.T) {
	cases := []struct {
		ms   float64
		want float64
	}{
		{0, 0},
		{-10, 0},
		{100, 1.0},
		{200, 1.0},
		{350, 0.75},
		{500, 0.5},
		{750, 0.3},
		{1000, 0.1},
		{2000, 0.05},
		{3000, 0},
		{5000, 0},
	}
	for _, tc := range cases {
		if got := responseTimeScore(tc.ms); !almostEqual(got, tc.want) {
			t.Errorf("responseTimeScore(%g) = %g, want %g", tc.ms, got, tc.want)
		}
	}
}

func TestRateScores(t *testing.T) {
	if got := errorRateScore(0); got != 1.0 {
		t.Errorf("errorRateScore(0) = %g", got)
	}
	if got := errorRateScore(5); !almostEqual(got, 0.5) {
		t.Errorf("errorRateScore(5) = %g", got)
	}
	if got := errorRateScore(10); got != 0 {
		t.Errorf("errorRateScore(10) = %g", got)
	}

	if got := successRateScore(100); got != 1.0 {
		t.Errorf("successRateScore(100) = %g", got)
	}
	if got := successRateScore(95); !almostEqual(got, 0.5) {
		t.Errorf("successRateScore(95) = %g", got)
	}
	if got := successRateScore(90); got != 0 {
		t.Errorf("successRateScore(90) = %g", got)
	}

	if got := timeoutScore(0); got != 1.0 {
		t.Errorf("timeoutScore(0) = %g", got)
	}
	if got := timeoutScore(2.5); !almostEqual(got, 0.5) {
		t.Errorf("timeoutScore(2.5) = %g", got)
	}
	if got := timeoutScore(5); got != 0 {
		t.Errorf("timeoutScore(5) = %g", got)
	}
}

func TestUptimeScore(t *testing.T) {
	if got := uptimeScore(99.5); got != 1.0 {
		t.Errorf("uptimeScore(99.5) = %g", got)
	}
	if got := uptimeScore(100); got != 1.0 {
		t.Errorf("uptimeScore(100) = %g", got)
	}
	if got := uptimeScore(90); got != 0 {
		t.Errorf("uptimeScore(90) = %g", got)
	}
	if got := uptimeScore(94.75); !almostEqual(got, 0.5) {
		t.Errorf("uptimeScore(94.75) = %g", got)
	}
}

func TestDegradationScore(t *testing.T) {
	if got := degradationScore(0); got != 1.0 {
		t.Errorf("degradationScore(0) = %g", got)
	}
	if got := degradationScore(250); !almostEqual(got, 0.5) {
		t.Errorf("degradationScore(250) = %g", got)
	}
	if got := degradationScore(500); got != 0 {
		t.Errorf("degradationScore(500) = %g", got)
	}
	if got := degradationScore(1000); got != 0 {
		t.Errorf("degradationScore(1000) = %g", got)
	}
}
