package detect

import "math"

// Distribution summarizes a rolling window of metric samples.
// Used for outlier detection (N standard deviations from the mean).
type Distribution struct {
	Mean   float64
	StdDev float64
	Count  int
}

// IsUpperOutlier returns true if the value is numStdDevs above the mean.
func (d Distribution) IsUpperOutlier(value float64, numStdDevs float64) bool {
	if d.StdDev == 0 {
		return false
	}
	return value > d.Mean+(numStdDevs*d.StdDev)
}

// IsLowerOutlier returns true if the value is numStdDevs below the mean.
func (d Distribution) IsLowerOutlier(value float64, numStdDevs float64) bool {
	if d.StdDev == 0 {
		return false
	}
	return value < d.Mean-(numStdDevs*d.StdDev)
}

// window is a bounded FIFO of float64 samples with summary statistics.
type window struct {
	values []float64
	cap    int
}

func newWindow(cap int) *window {
	if cap <= 0 {
		cap = 20
	}
	return &window{values: make([]float64, 0, cap), cap: cap}
}

// push appends a sample, evicting the oldest when full.
func (w *window) push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.cap {
		copy(w.values, w.values[len(w.values)-w.cap:])
		w.values = w.values[:w.cap]
	}
}

func (w *window) len() int { return len(w.values) }

// distribution computes mean and population standard deviation.
func (w *window) distribution() Distribution {
	n := len(w.values)
	if n == 0 {
		return Distribution{}
	}
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range w.values {
		d := v - mean
		sq += d * d
	}
	return Distribution{
		Mean:   mean,
		StdDev: math.Sqrt(sq / float64(n)),
		Count:  n,
	}
}
