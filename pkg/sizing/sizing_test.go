package sizing

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRiskSize(t *testing.T) {
	// equity=10000, risk=2%, entry=100, stop=95 → 200/5 = 40
	size, err := RiskSize(10000, 0.02, 100, 95)
	if err != nil {
		t.Fatalf("RiskSize() error = %v", err)
	}
	if !almostEqual(size, 40) {
		t.Errorf("RiskSize() = %v, want 40", size)
	}
}

func TestRiskSize_ZeroDistance(t *testing.T) {
	if _, err := RiskSize(10000, 0.02, 100, 100); err != ErrZeroStopDistance {
		t.Errorf("RiskSize() error = %v, want ErrZeroStopDistance", err)
	}
}

func TestCapLeverage(t *testing.T) {
	tests := []struct {
		name   string
		size   float64
		entry  float64
		equity float64
		maxLev float64
		want   float64
	}{
		{"under cap untouched", 40, 100, 10000, 5, 40},
		{"at cap untouched", 500, 100, 10000, 5, 500},
		{"over cap scaled down", 1000, 100, 10000, 5, 500},
		{"tight cap", 40, 100, 1000, 2, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapLeverage(tt.size, tt.entry, tt.equity, tt.maxLev)
			if !almostEqual(got, tt.want) {
				t.Errorf("CapLeverage() = %v, want %v", got, tt.want)
			}
			if got > tt.size {
				t.Error("CapLeverage() must never increase size")
			}
		})
	}
}

func TestRiskFraction(t *testing.T) {
	score := func(n int) *int { return &n }
	tests := []struct {
		name       string
		confidence *int
		want       float64
	}{
		{"nil falls back", nil, 0.02},
		{"score 1", score(1), 0.01},
		{"score 5", score(5), 0.05},
		{"score 0 falls back", score(0), 0.02},
		{"score 9 falls back", score(9), 0.02},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskFraction(tt.confidence, 0.02); !almostEqual(got, tt.want) {
				t.Errorf("RiskFraction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultStop(t *testing.T) {
	if got := DefaultStop(100, 0.05, true); !almostEqual(got, 95) {
		t.Errorf("DefaultStop(long) = %v, want 95", got)
	}
	if got := DefaultStop(100, 0.05, false); !almostEqual(got, 105) {
		t.Errorf("DefaultStop(short) = %v, want 105", got)
	}
}

func TestRoundSize_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		size       float64
		szDecimals int
		want       float64
	}{
		{40.129, 2, 40.12},
		{40.999, 0, 40},
		{0.0009, 3, 0},
		{1.23456789, 4, 1.2345},
	}
	for _, tt := range tests {
		if got := RoundSize(tt.size, tt.szDecimals); !almostEqual(got, tt.want) {
			t.Errorf("RoundSize(%v, %d) = %v, want %v", tt.size, tt.szDecimals, got, tt.want)
		}
	}
}

func TestRoundPrice_DualCap(t *testing.T) {
	tests := []struct {
		name       string
		px         float64
		szDecimals int
		want       float64
	}{
		// Large price: 5 sig figs bind (decimal budget would allow 4 places).
		{"large price sig figs", 1234567, 2, 1234600},
		// Cheap asset: decimal budget binds (6−3 = 3 places, sig figs allow 5).
		{"cheap price decimal budget", 0.123456, 3, 0.123},
		// Both caps satisfied already.
		{"valid price unchanged", 95.5, 2, 95.5},
		{"integer price unchanged", 50000, 0, 50000},
		{"zero", 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundPrice(tt.px, tt.szDecimals); !almostEqual(got, tt.want) {
				t.Errorf("RoundPrice(%v, %d) = %v, want %v", tt.px, tt.szDecimals, got, tt.want)
			}
		})
	}
}

func TestRoundPrice_Idempotent(t *testing.T) {
	prices := []float64{1234567, 0.123456, 95.5, 2100.5, 0.00012345}
	for _, px := range prices {
		once := RoundPrice(px, 2)
		twice := RoundPrice(once, 2)
		if !almostEqual(once, twice) {
			t.Errorf("RoundPrice not idempotent: %v → %v → %v", px, once, twice)
		}
	}
}

func TestIsStale(t *testing.T) {
	// entry=100, mid=108 → 8/108 ≈ 7.4% > 2%
	if !IsStale(100, 108, 0.02) {
		t.Error("IsStale(100, 108) = false, want true")
	}
	if IsStale(100, 101, 0.02) {
		t.Error("IsStale(100, 101) = true, want false")
	}
	if IsStale(100, 0, 0.02) {
		t.Error("IsStale with zero mid must not trip")
	}
}

func TestAnchorStop_PreservesRiskDistance(t *testing.T) {
	// Long: entry=100, stop=95 (dist 5), mid drifted to 108 → stop=103.
	if got := AnchorStop(108, 100, 95, true); !almostEqual(got, 103) {
		t.Errorf("AnchorStop(long) = %v, want 103", got)
	}
	// Short: entry=100, stop=105, mid drifted to 92 → stop=97.
	if got := AnchorStop(92, 100, 105, false); !almostEqual(got, 97) {
		t.Errorf("AnchorStop(short) = %v, want 97", got)
	}
}

func TestSplitTargets(t *testing.T) {
	tests := []struct {
		name       string
		size       float64
		n          int
		szDecimals int
		want       []float64
	}{
		{"even quarters", 40, 4, 2, []float64{10, 10, 10, 10}},
		{"remainder on last", 10, 3, 2, []float64{3.33, 3.33, 3.34}},
		{"single target", 7.5, 1, 2, []float64{7.5}},
		{"tiny size zero legs", 0.01, 4, 2, []float64{0, 0, 0, 0.01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitTargets(tt.size, tt.n, tt.szDecimals)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitTargets() returned %d legs, want %d", len(got), len(tt.want))
			}
			var sum float64
			for i := range got {
				if !almostEqual(got[i], tt.want[i]) {
					t.Errorf("leg %d = %v, want %v", i, got[i], tt.want[i])
				}
				sum += got[i]
			}
			if !almostEqual(sum, RoundSize(tt.size, tt.szDecimals)) {
				t.Errorf("legs sum to %v, want %v", sum, tt.size)
			}
		})
	}
}
