package anomaly

import "math"

type zScore struct {
	index int
	z     float64
}

// zScores returns the points whose absolute z-score, against the population
// mean and standard deviation, exceeds threshold. A constant signal yields none.
func zScores(values []float64, threshold float64) []zScore {
	if len(values) == 0 {
		return nil
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(values)))
	if std == 0 {
		return nil
	}

	var out []zScore
	for i, v := range values {
		if z := math.Abs(v-mean) / std; z > threshold {
			out = append(out, zScore{index: i, z: z})
		}
	}
	return out
}

func classify(z float64) Severity {
	switch {
	case z > 5:
		return SeverityCritical
	case z > 4:
		return SeverityHigh
	case z > 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
