package tracking

import (
	"time"

	"bus-tracker/internal/transit"
)

type LivenessEvaluator struct {
	Timeout time.Duration
}

// IsLive reports whether the vehicle is on an active trip and reported
// within the timeout. It must be evaluated on every read.
func (l LivenessEvaluator) IsLive(v transit.Vehicle, now time.Time) bool {
	if !v.IsActive || v.Position.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(v.Position.UpdatedAt) <= l.Timeout
}
