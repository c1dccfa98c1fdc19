package activity

import "time"

const (
	DefaultOnlineStaleAfter = 5 * time.Minute
	DefaultAwayStaleAfter   = 30 * time.Minute
)

// Policy holds the staleness thresholds, both measured against LastSeen.
type Policy struct {
	OnlineStaleAfter time.Duration
	AwayStaleAfter   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		OnlineStaleAfter: DefaultOnlineStaleAfter,
		AwayStaleAfter:   DefaultAwayStaleAfter,
	}
}

func (p Policy) normalized() Policy {
	if p.OnlineStaleAfter <= 0 {
		p.OnlineStaleAfter = DefaultOnlineStaleAfter
	}
	if p.AwayStaleAfter <= 0 {
		p.AwayStaleAfter = DefaultAwayStaleAfter
	}
	return p
}

// OnlineCutoff is the oldest LastSeen that still counts as fresh.
func (p Policy) OnlineCutoff(now time.Time) time.Time {
	return now.Add(-p.OnlineStaleAfter)
}

// AwayCutoff is the oldest LastSeen an away record may keep.
func (p Policy) AwayCutoff(now time.Time) time.Time {
	return now.Add(-p.AwayStaleAfter)
}

// IsFresh reports whether lastSeen falls inside the online window.
func (p Policy) IsFresh(lastSeen, now time.Time) bool {
	return !lastSeen.Before(p.OnlineCutoff(now))
}

// DisplayStatus applies the sweep transitions at read time without touching the store.
func (p Policy) DisplayStatus(stored Status, lastSeen, now time.Time) Status {
	switch stored {
	case StatusOnline:
		if lastSeen.Before(p.AwayCutoff(now)) {
			return StatusOffline
		}
		if lastSeen.Before(p.OnlineCutoff(now)) {
			return StatusAway
		}
		return StatusOnline
	case StatusAway:
		if lastSeen.Before(p.AwayCutoff(now)) {
			return StatusOffline
		}
		return StatusAway
	default:
		return StatusOffline
	}
}
