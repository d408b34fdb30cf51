package derive

import (
	"sort"

	"github.com/sells-group/janus/internal/model"
)

// billingTimeline reconstructs point-in-time subscription state for one user.
// Records are ordered by billing date; within a day, cancels sort after
// activations so a same-day cancel always wins, and activations sort by
// ingestion time then fingerprint so the last one sets the plan.
type billingTimeline struct {
	records []model.CanonicalBilling
}

func newBillingTimeline(records []model.CanonicalBilling) *billingTimeline {
	sorted := append([]model.CanonicalBilling(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.BillingDate != b.BillingDate {
			return a.BillingDate < b.BillingDate
		}
		ac, bc := a.Kind == model.BillingCancel, b.Kind == model.BillingCancel
		if ac != bc {
			return bc
		}
		if !a.IngestedAt.Equal(b.IngestedAt) {
			return a.IngestedAt.Before(b.IngestedAt)
		}
		return a.Fingerprint < b.Fingerprint
	})
	return &billingTimeline{records: sorted}
}

// cursor walks the timeline forward one day at a time.
type cursor struct {
	tl          *billingTimeline
	next        int
	activatedOn model.Day
	activated   bool
	plan        string
	cancelledOn model.Day
	cancelled   bool
}

func (tl *billingTimeline) cursor() *cursor {
	return &cursor{tl: tl}
}

// advance consumes every record dated on or before d and returns the state on d.
// Days must be visited in increasing order.
func (c *cursor) advance(d model.Day) (active bool, plan string) {
	for c.next < len(c.tl.records) && c.tl.records[c.next].BillingDate <= d {
		r := c.tl.records[c.next]
		c.next++
		switch {
		case r.Kind == model.BillingCancel:
			c.cancelledOn, c.cancelled = r.BillingDate, true
		case r.Kind.Activates():
			c.activatedOn, c.activated, c.plan = r.BillingDate, true, r.PlanID
		}
	}
	if !c.activated {
		return false, ""
	}
	if c.cancelled && c.cancelledOn >= c.activatedOn {
		return false, ""
	}
	return true, c.plan
}
