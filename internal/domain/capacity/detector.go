package capacity

import (
	"sort"
	"time"
)

// Interval is a half-open time span [Start, End). End is excluded so
// back-to-back allocations never overlap.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether Start < End.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// Contains reports whether t lies in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Claim is a committed (or candidate) slice of a resource's capacity.
type Claim struct {
	AllocationID string   `json:"allocation_id"`
	ProjectID    string   `json:"project_id"`
	Interval     Interval `json:"interval"`
	Percent      int      `json:"percent"`
}

// Report is the outcome of a conflict check. Peak is the maximum
// cumulative percentage over the candidate's span including the
// candidate itself; Window is where that peak first occurs.
type Report struct {
	Overlapping []Claim  `json:"overlapping,omitempty"`
	Peak        int      `json:"peak"`
	Window      Interval `json:"window"`
}

// Exceeds reports whether the peak breaches the given base capacity.
func (r Report) Exceeds(baseCapacity int) bool {
	return r.Peak > baseCapacity
}

// Check evaluates a candidate claim against existing claims for the
// same resource. Commitment level is piecewise constant between
// interval boundaries, so only boundary points inside the candidate's
// span need examining: the sweep is linear in the number of
// overlapping claims, no continuous-time simulation required.
func Check(candidate Claim, existing []Claim) Report {
	var overlapping []Claim
	for _, c := range existing {
		if c.Interval.Overlaps(candidate.Interval) {
			overlapping = append(overlapping, c)
		}
	}

	report := Report{
		Overlapping: overlapping,
		Peak:        candidate.Percent,
		Window:      candidate.Interval,
	}
	if len(overlapping) == 0 {
		return report
	}

	// Points of change within the candidate's span. The candidate's own
	// start always counts; claim boundaries outside the span are clamped
	// away because the level there doesn't affect the candidate.
	points := []time.Time{candidate.Interval.Start}
	for _, c := range overlapping {
		if c.Interval.Start.After(candidate.Interval.Start) && c.Interval.Start.Before(candidate.Interval.End) {
			points = append(points, c.Interval.Start)
		}
		if c.Interval.End.After(candidate.Interval.Start) && c.Interval.End.Before(candidate.Interval.End) {
			points = append(points, c.Interval.End)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })
	points = dedupe(points)

	for i, t := range points {
		sum := candidate.Percent
		for _, c := range overlapping {
			if c.Interval.Contains(t) {
				sum += c.Percent
			}
		}
		if sum > report.Peak {
			end := candidate.Interval.End
			if i+1 < len(points) {
				end = points[i+1]
			}
			report.Peak = sum
			report.Window = Interval{Start: t, End: end}
		}
	}
	return report
}

func dedupe(points []time.Time) []time.Time {
	out := points[:1]
	for _, t := range points[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
