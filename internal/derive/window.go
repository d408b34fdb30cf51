package derive

import (
	"sort"

	"github.com/sells-group/janus/internal/model"
)

// Event types counted by dedicated features.
const (
	EventTypeFeatureUse    = "feature_use"
	EventTypeSupportTicket = "support_ticket"
)

// dayActivity is one user's event activity on a single day.
type dayActivity struct {
	events         int
	late           int
	featureUse     int
	supportTickets int
	sessions       map[string]struct{}
}

// activity indexes a user's events by day for trailing-window lookups.
type activity map[model.Day]*dayActivity

func newActivity(events []model.CanonicalEvent) activity {
	a := make(activity)
	for i := range events {
		e := &events[i]
		d := e.Day()
		da := a[d]
		if da == nil {
			da = &dayActivity{sessions: make(map[string]struct{})}
			a[d] = da
		}
		da.events++
		if e.IsLate {
			da.late++
		}
		switch e.EventType {
		case EventTypeFeatureUse:
			da.featureUse++
		case EventTypeSupportTicket:
			da.supportTickets++
		}
		if e.SessionID != "" {
			da.sessions[e.SessionID] = struct{}{}
		}
	}
	return a
}

// windowCounts are the aggregates over one trailing window.
type windowCounts struct {
	events         int
	late           int
	featureUse     int
	supportTickets int
	sessions       int
}

// window aggregates days in (d-size, d].
func (a activity) window(d model.Day, size int) windowCounts {
	var wc windowCounts
	var sessions map[string]struct{}
	for day := d.Add(-size + 1); day <= d; day++ {
		da := a[day]
		if da == nil {
			continue
		}
		wc.events += da.events
		wc.late += da.late
		wc.featureUse += da.featureUse
		wc.supportTickets += da.supportTickets
		if len(da.sessions) > 0 {
			if sessions == nil {
				sessions = make(map[string]struct{})
			}
			for s := range da.sessions {
				sessions[s] = struct{}{}
			}
		}
	}
	wc.sessions = len(sessions)
	return wc
}

// lateRate is late/events, defined as 0 for an empty window.
func (wc windowCounts) lateRate() float64 {
	if wc.events == 0 {
		return 0
	}
	return float64(wc.late) / float64(wc.events)
}

// dedupeByEventID keeps one event per event id: the latest received, then the
// latest ingested, then the highest fingerprint.
func dedupeByEventID(events []model.CanonicalEvent) []model.CanonicalEvent {
	best := make(map[string]int, len(events))
	for i := range events {
		e := &events[i]
		j, ok := best[e.EventID]
		if !ok || supersedes(e, &events[j]) {
			best[e.EventID] = i
		}
	}

	idx := make([]int, 0, len(best))
	for _, i := range best {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]model.CanonicalEvent, len(idx))
	for k, i := range idx {
		out[k] = events[i]
	}
	return out
}

func supersedes(a, b *model.CanonicalEvent) bool {
	if !a.ReceivedTS.Equal(b.ReceivedTS) {
		return a.ReceivedTS.After(b.ReceivedTS)
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	return a.Fingerprint > b.Fingerprint
}
