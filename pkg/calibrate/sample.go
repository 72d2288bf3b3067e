// Sample statistics for calibration routines
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibrate

import "math"

// SampleStats summarizes a set of calibration measurements.
type SampleStats struct {
	Mean  float64
	Stdev float64
	Min   float64
	Max   float64
	Range float64
}

// Compute returns the summary statistics for the samples. An empty set
// yields the zero value.
func Compute(samples []float64) SampleStats {
	n := len(samples)
	if n == 0 {
		return SampleStats{}
	}
	st := SampleStats{Min: samples[0], Max: samples[0]}
	sum := 0.0
	for _, v := range samples {
		sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Mean = sum / float64(n)
	st.Range = st.Max - st.Min

	if n > 1 {
		ss := 0.0
		for _, v := range samples {
			d := v - st.Mean
			ss += d * d
		}
		st.Stdev = math.Sqrt(ss / float64(n-1))
	}
	return st
}
