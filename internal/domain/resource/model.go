package resource

import "time"

// Resource is an immutable snapshot of a capacity-bearing entity from
// the external catalog. BaseCapacity is the maximum percentage the
// resource can be committed to at any instant (100 = one full-time unit).
type Resource struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	BaseCapacity int    `json:"base_capacity"`
	Active       bool   `json:"active"`
}

// Snapshot is a point-in-time view of the catalog. Stale is set when the
// upstream was unreachable and the view came from the last refresh.
type Snapshot struct {
	Resources []Resource `json:"resources"`
	TakenAt   time.Time  `json:"taken_at"`
	Stale     bool       `json:"stale"`
}
