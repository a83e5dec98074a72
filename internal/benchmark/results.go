package benchmark

import (
	"math"
	"time"
)

// TrialResult holds the elapsed time of each completed trial, in order.
type TrialResult struct {
	durations []time.Duration
}

func (r *TrialResult) Append(d time.Duration) {
	r.durations = append(r.durations, d)
}

func (r *TrialResult) Len() int {
	return len(r.durations)
}

// Durations returns a copy of the recorded durations.
func (r *TrialResult) Durations() []time.Duration {
	durations := make([]time.Duration, len(r.durations))
	copy(durations, r.durations)
	return durations
}

// Mean returns the mean trial duration in seconds. ok is false if nothing has been recorded.
func (r *TrialResult) Mean() (mean float64, ok bool) {
	if len(r.durations) == 0 {
		return 0, false
	}
	var sum float64
	for _, d := range r.durations {
		sum += d.Seconds()
	}
	return sum / float64(len(r.durations)), true
}

// StdDev returns the sample standard deviation of the trial durations in seconds.
// ok is false unless at least two trials have been recorded.
func (r *TrialResult) StdDev() (stdDev float64, ok bool) {
	if len(r.durations) < 2 {
		return 0, false
	}
	mean, _ := r.Mean()
	var total float64
	for _, d := range r.durations {
		total += math.Pow(d.Seconds()-mean, 2)
	}
	return math.Sqrt(total / float64(len(r.durations)-1)), true
}
