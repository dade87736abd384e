package event

import (
	"fmt"
	"time"
)

// sessionGapMax is the continuation window for fallback session grouping: a
// set without an explicit session_id continues the previous fallback session
// iff it lands within this gap of the previous set, even across midnight.
const sessionGapMax = 2 * time.Hour

// SessionKeyer assigns session keys to sets in chronological order. An
// explicit metadata.session_id is authoritative; otherwise a boundary-aware
// fallback keys the session by the local date of its first set, so a
// cross-midnight session keeps the earlier day's key.
type SessionKeyer struct {
	loc          *time.Location
	lastFallback time.Time
	lastKey      string
	dayCount     map[string]int
}

// NewSessionKeyer grouping in the given local timezone. A nil location means
// UTC.
func NewSessionKeyer(loc *time.Location) *SessionKeyer {
	if loc == nil {
		loc = time.UTC
	}
	return &SessionKeyer{loc: loc, dayCount: map[string]int{}}
}

// Key returns the session key for a set event. Sets must be presented in
// chronological order; explicit session IDs do not advance the fallback
// window.
func (k *SessionKeyer) Key(e Event) string {
	if sid := e.SessionID(); sid != "" {
		return sid
	}
	return k.nextFallbackKey(e.Timestamp)
}

func (k *SessionKeyer) nextFallbackKey(ts time.Time) string {
	local := ts.In(k.loc)
	if k.lastKey != "" && local.Sub(k.lastFallback) <= sessionGapMax {
		k.lastFallback = local
		return k.lastKey
	}
	// A second fallback session on the same local day gets a numeric
	// suffix so the two never merge.
	day := local.Format("2006-01-02")
	k.dayCount[day]++
	k.lastFallback = local
	k.lastKey = day
	if n := k.dayCount[day]; n > 1 {
		k.lastKey = fmt.Sprintf("%s-%d", day, n)
	}
	return k.lastKey
}

// LocalDay returns the user-local calendar day of a timestamp.
func LocalDay(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format("2006-01-02")
}

// ISOWeek returns the ISO week key ("2026-W35") of a timestamp.
func ISOWeek(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	year, week := ts.In(loc).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
