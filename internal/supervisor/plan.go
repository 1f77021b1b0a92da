package supervisor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects how batches are repeated.
type Mode int

const (
	// Batch runs a fixed number of units once.
	Batch Mode = iota
	// Continuous repeats batches with a cooldown between them.
	Continuous
	// Scheduled starts a batch at fixed times of day.
	Scheduled
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Scheduled:
		return "scheduled"
	default:
		return "batch"
	}
}

// ClockTime is a time of day in the local zone.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Plan describes what Run should do.
type Plan struct {
	Mode  Mode
	Size  int
	Times []ClockTime
}

func (p Plan) String() string {
	switch p.Mode {
	case Continuous:
		return fmt.Sprintf("continuous (%d per batch)", p.Size)
	case Scheduled:
		parts := make([]string, len(p.Times))
		for i, t := range p.Times {
			parts[i] = t.String()
		}
		return fmt.Sprintf("at %s (%d per batch)", strings.Join(parts, ","), p.Size)
	default:
		return fmt.Sprintf("batch of %d", p.Size)
	}
}

// ParsePlan accepts a batch size ("5"), "continuous", or a schedule
// ("at 09:00,21:30" or just "09:00,21:30"). size is the batch size used
// by continuous and scheduled plans, and by an empty spec.
func ParsePlan(spec string, size int) (Plan, error) {
	if size < 1 {
		size = 1
	}
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return Plan{Mode: Batch, Size: size}, nil
	case strings.EqualFold(spec, "continuous"):
		return Plan{Mode: Continuous, Size: size}, nil
	}
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 1 {
			return Plan{}, fmt.Errorf("batch size must be positive, got %d", n)
		}
		return Plan{Mode: Batch, Size: n}, nil
	}

	spec = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(spec), "at "))
	var times []ClockTime
	for _, part := range strings.Split(spec, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ct, err := ParseClockTime(part)
		if err != nil {
			return Plan{}, err
		}
		times = append(times, ct)
	}
	if len(times) == 0 {
		return Plan{}, fmt.Errorf("invalid plan %q", spec)
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i].Hour*60+times[i].Minute < times[j].Hour*60+times[j].Minute
	})
	return Plan{Mode: Scheduled, Size: size, Times: times}, nil
}

// NextTrigger returns the first instant strictly after now that matches one
// of times, in now's location. It returns the zero time when times is
// empty.
func NextTrigger(now time.Time, times []ClockTime) time.Time {
	var next time.Time
	for _, ct := range times {
		t := time.Date(now.Year(), now.Month(), now.Day(), ct.Hour, ct.Minute, 0, 0, now.Location())
		if !t.After(now) {
			t = time.Date(now.Year(), now.Month(), now.Day()+1, ct.Hour, ct.Minute, 0, 0, now.Location())
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}
