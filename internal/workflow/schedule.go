package workflow

import (
	"time"

	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/store"
)

// RunInfo describes the next run a schedule would create.
type RunInfo struct {
	LogicalDate  time.Time
	DataInterval store.DataInterval
	// The run may not be created before this time.
	RunAfter time.Time
}

// Schedule (a timetable) decides when the runs of a workflow happen.
type Schedule interface {
	// NextRunInfo returns the run following the one covering last, or the first run if last is nil.
	// Returns nil if there are no more runs before end.
	NextRunInfo(start time.Time, end *time.Time, last *store.DataInterval) *RunInfo
	String() string
}

// IntervalSchedule creates one run per fixed period. Each run's logical date is the start of its data interval and
// it may only run once the interval has ended.
type IntervalSchedule struct {
	Interval time.Duration
	name     string
}

func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval, name: interval.String()}
}

func (s *IntervalSchedule) NextRunInfo(start time.Time, end *time.Time, last *store.DataInterval) *RunInfo {
	logicalDate := store.NormaliseTime(start)
	if last != nil {
		logicalDate = store.NormaliseTime(last.End)
	}
	if end != nil && logicalDate.After(store.NormaliseTime(*end)) {
		return nil
	}
	intervalEnd := logicalDate.Add(s.Interval)
	return &RunInfo{
		LogicalDate:  logicalDate,
		DataInterval: store.DataInterval{Start: logicalDate, End: intervalEnd},
		RunAfter:     intervalEnd,
	}
}

func (s *IntervalSchedule) String() string {
	return s.name
}

// OnceSchedule creates exactly one run, at the start date.
type OnceSchedule struct{}

func (s OnceSchedule) NextRunInfo(start time.Time, end *time.Time, last *store.DataInterval) *RunInfo {
	if last != nil {
		return nil
	}
	logicalDate := store.NormaliseTime(start)
	if end != nil && logicalDate.After(store.NormaliseTime(*end)) {
		return nil
	}
	return &RunInfo{
		LogicalDate:  logicalDate,
		DataInterval: store.DataInterval{Start: logicalDate, End: logicalDate},
		RunAfter:     logicalDate,
	}
}

func (s OnceSchedule) String() string {
	return "@once"
}

var presets = map[string]time.Duration{
	"@hourly": time.Hour,
	"@daily":  24 * time.Hour,
	"@weekly": 7 * 24 * time.Hour,
}

// ParseSchedule accepts @once, @hourly, @daily, @weekly or any positive Go duration, e.g. 30m.
func ParseSchedule(s string) (Schedule, error) {
	if s == "@once" {
		return OnceSchedule{}, nil
	}
	if interval, ok := presets[s]; ok {
		return &IntervalSchedule{Interval: interval, name: s}, nil
	}
	interval, err := time.ParseDuration(s)
	if err != nil || interval <= 0 {
		return nil, &bencherrors.ErrInvalidArgument{
			Name:    "schedule",
			Value:   s,
			Message: "expected @once, @hourly, @daily, @weekly or a positive duration",
		}
	}
	return NewIntervalSchedule(interval), nil
}
