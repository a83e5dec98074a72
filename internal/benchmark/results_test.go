package benchmark

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrialResult_Stats(t *testing.T) {
	tests := map[string]struct {
		durations    []time.Duration
		expectMean   float64
		expectMeanOk bool
		expectStdDev float64
		expectStdOk  bool
	}{
		"empty": {},
		"single trial": {
			durations:    []time.Duration{2 * time.Second},
			expectMean:   2,
			expectMeanOk: true,
		},
		"identical trials": {
			durations:    []time.Duration{time.Second, time.Second},
			expectMean:   1,
			expectMeanOk: true,
			expectStdDev: 0,
			expectStdOk:  true,
		},
		"three trials": {
			durations:    []time.Duration{2 * time.Second, 4 * time.Second, 9 * time.Second},
			expectMean:   5,
			expectMeanOk: true,
			expectStdDev: 3.605551275463989,
			expectStdOk:  true,
		},
		"sub second": {
			durations:    []time.Duration{250 * time.Millisecond, 750 * time.Millisecond},
			expectMean:   0.5,
			expectMeanOk: true,
			expectStdDev: 0.3535533905932738,
			expectStdOk:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := &TrialResult{}
			for _, d := range tc.durations {
				r.Append(d)
			}
			assert.Equal(t, len(tc.durations), r.Len())

			mean, ok := r.Mean()
			assert.Equal(t, tc.expectMeanOk, ok)
			assert.InDelta(t, tc.expectMean, mean, 1e-9)

			stdDev, ok := r.StdDev()
			assert.Equal(t, tc.expectStdOk, ok)
			assert.InDelta(t, tc.expectStdDev, stdDev, 1e-9)
		})
	}
}

func TestTrialResult_DurationsIsACopy(t *testing.T) {
	r := &TrialResult{}
	r.Append(time.Second)

	durations := r.Durations()
	durations[0] = time.Hour

	assert.Equal(t, []time.Duration{time.Second}, r.Durations())
}
