package audio

import "math"

// RMS computes the root-mean-square level of samples in [0, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the maximum absolute amplitude of samples.
func Peak(samples []float32) float64 {
	var maxAbs float64
	for _, s := range samples {
		if abs := math.Abs(float64(s)); abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs
}
