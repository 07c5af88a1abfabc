package usage

import (
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

// Session is an app's open foreground session
type Session struct {
	ID        string
	AppID     string
	StartedAt time.Time

	// SegmentStart is where the part of the session not yet written to a
	// daily record begins. It moves forward at local midnight.
	SegmentStart time.Time
}

type writeKind int

const (
	writeSession writeKind = iota
	writeLaunch
	writeViolation
)

func (k writeKind) String() string {
	switch k {
	case writeSession:
		return "session"
	case writeLaunch:
		return "launch"
	case writeViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// pendingWrite is a usage write that failed and waits to be retried.
type pendingWrite struct {
	kind  writeKind
	date  string
	appID string
	entry storage.SessionEntry
}

// daySegment is the part of a session that falls on one calendar day.
type daySegment struct {
	date  string
	entry storage.SessionEntry
}

// splitByDay cuts [start, end) at each local midnight in loc. Durations
// are whole seconds.
func splitByDay(start, end time.Time, loc *time.Location) []daySegment {
	var out []daySegment
	for start.Before(end) {
		local := start.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)

		segEnd := end
		if midnight.Before(end) {
			segEnd = midnight
		}

		out = append(out, daySegment{
			date: local.Format(storage.DateLayout),
			entry: storage.SessionEntry{
				Start:           start,
				End:             segEnd,
				DurationSeconds: int64(segEnd.Sub(start) / time.Second),
			},
		})
		start = segEnd
	}
	return out
}
