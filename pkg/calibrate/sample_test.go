package calibrate

import (
	"math"
	"testing"
)

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		mean    float64
		stdev   float64
		rng     float64
	}{
		{"empty", nil, 0, 0, 0},
		{"single", []float64{5}, 5, 0, 0},
		{"uniform", []float64{3, 3, 3}, 3, 0, 0},
		{"spread", []float64{2, 4, 6}, 4, 2, 4},
		{"encoder counts", []float64{368, 368, 369, 369, 369, 369}, 368.6667, 0.5164, 1},
	}
	for _, tt := range tests {
		st := Compute(tt.samples)
		if math.Abs(st.Mean-tt.mean) > 0.001 {
			t.Errorf("%s: Mean = %v, want %v", tt.name, st.Mean, tt.mean)
		}
		if math.Abs(st.Stdev-tt.stdev) > 0.001 {
			t.Errorf("%s: Stdev = %v, want %v", tt.name, st.Stdev, tt.stdev)
		}
		if math.Abs(st.Range-tt.rng) > 0.001 {
			t.Errorf("%s: Range = %v, want %v", tt.name, st.Range, tt.rng)
		}
	}
}
