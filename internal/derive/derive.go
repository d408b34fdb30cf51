// Package derive is the derivation engine: it rebuilds per-user, per-day
// subscription state and censoring-aware feature/label rows from canonical records.
package derive

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/janus/internal/model"
)

// Options configures trailing windows, the label horizon and parallelism.
type Options struct {
	ShortWindowDays int
	LongWindowDays  int
	HorizonDays     int
	Concurrency     int
}

// DefaultOptions returns 7/14-day windows with a 7-day label horizon.
func DefaultOptions() Options {
	return Options{ShortWindowDays: 7, LongWindowDays: 14, HorizonDays: 7, Concurrency: 8}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ShortWindowDays <= 0 {
		o.ShortWindowDays = def.ShortWindowDays
	}
	if o.LongWindowDays <= 0 {
		o.LongWindowDays = def.LongWindowDays
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = def.HorizonDays
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// Input is the canonical state a derivation reads. Events and Billing must
// cover everything dated up to MaxObserved: every user found in either joins
// the spine, even one first seen after Days.To.
type Input struct {
	Events      []model.CanonicalEvent
	Billing     []model.CanonicalBilling
	Days        model.DayRange
	MaxObserved model.Day
}

// Result holds the derived tables for Days. Rows omits censored days.
type Result struct {
	Days         model.DayRange            `json:"days"`
	LabelCutoff  model.Day                 `json:"label_cutoff"`
	Users        int                       `json:"users"`
	States       []model.SubscriptionState `json:"-"`
	Rows         []model.FeatureRow        `json:"-"`
	CensoredRows int                       `json:"censored_rows"`
}

// Compute derives subscription state for every (day, user) in in.Days and a
// feature/label row for every such pair whose label horizon lies inside the
// observed data. Output is sorted by day, then user.
func Compute(ctx context.Context, in Input, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if in.Days.Len() == 0 {
		return nil, eris.Errorf("derive: empty day range %s..%s", in.Days.From, in.Days.To)
	}

	cutoff := in.MaxObserved.Add(-opts.HorizonDays)
	res := &Result{Days: in.Days, LabelCutoff: cutoff}

	users, eventsByUser, billingByUser := partition(in.Events, in.Billing)
	res.Users = len(users)

	perUser := make([]userOutput, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perUser[i] = deriveUser(u, eventsByUser[u], billingByUser[u], in, cutoff, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "derive: compute")
	}

	for _, out := range perUser {
		res.States = append(res.States, out.states...)
		res.Rows = append(res.Rows, out.rows...)
		res.CensoredRows += out.censored
	}

	sort.Slice(res.States, func(i, j int) bool {
		a, b := res.States[i], res.States[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.UserID < b.UserID
	})
	sort.Slice(res.Rows, func(i, j int) bool {
		a, b := res.Rows[i], res.Rows[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.UserID < b.UserID
	})

	if err := CheckGrain(res.States, res.Rows); err != nil {
		return nil, err
	}
	return res, nil
}

// partition groups deduplicated events and billing records by user. Events
// without a user id carry no user-scoped signal and are dropped here.
func partition(events []model.CanonicalEvent, billing []model.CanonicalBilling) ([]string, map[string][]model.CanonicalEvent, map[string][]model.CanonicalBilling) {
	eventsByUser := make(map[string][]model.CanonicalEvent)
	for _, e := range dedupeByEventID(events) {
		if e.UserID == "" {
			continue
		}
		eventsByUser[e.UserID] = append(eventsByUser[e.UserID], e)
	}

	billingByUser := make(map[string][]model.CanonicalBilling)
	for _, b := range billing {
		billingByUser[b.UserID] = append(billingByUser[b.UserID], b)
	}

	seen := make(map[string]struct{}, len(eventsByUser)+len(billingByUser))
	for u := range eventsByUser {
		seen[u] = struct{}{}
	}
	for u := range billingByUser {
		seen[u] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, eventsByUser, billingByUser
}

type userOutput struct {
	states   []model.SubscriptionState
	rows     []model.FeatureRow
	censored int
}

// deriveUser walks one user's timeline across the day range. The state
// series extends past the range end to cover each labeled day's horizon.
func deriveUser(userID string, events []model.CanonicalEvent, billing []model.CanonicalBilling, in Input, cutoff model.Day, opts Options) userOutput {
	type dayState struct {
		active bool
		plan   string
	}

	last := in.Days.To.Add(opts.HorizonDays)
	if last > in.MaxObserved {
		last = in.MaxObserved
	}
	if last < in.Days.To {
		last = in.Days.To
	}

	cur := newBillingTimeline(billing).cursor()
	series := make([]dayState, 0, int(last-in.Days.From)+1)
	for d := in.Days.From; d <= last; d++ {
		active, plan := cur.advance(d)
		series = append(series, dayState{active: active, plan: plan})
	}
	at := func(d model.Day) dayState { return series[d-in.Days.From] }

	acts := newActivity(events)
	out := userOutput{states: make([]model.SubscriptionState, 0, in.Days.Len())}

	for d := in.Days.From; d <= in.Days.To; d++ {
		st := at(d)
		out.states = append(out.states, model.SubscriptionState{
			Day:      d,
			UserID:   userID,
			IsActive: st.active,
			PlanID:   st.plan,
		})

		if d > cutoff {
			out.censored++
			continue
		}

		churn := false
		if st.active {
			churn = true
			for h := 1; h <= opts.HorizonDays; h++ {
				if at(d.Add(h)).active {
					churn = false
					break
				}
			}
		}

		short := acts.window(d, opts.ShortWindowDays)
		long := acts.window(d, opts.LongWindowDays)
		out.rows = append(out.rows, model.FeatureRow{
			Day:                d,
			UserID:             userID,
			PlanID:             st.plan,
			IsActive:           st.active,
			EventsShort:        short.events,
			SessionsShort:      short.sessions,
			FeatureUseShort:    short.featureUse,
			SupportTicketsLong: long.supportTickets,
			LateRateShort:      short.lateRate(),
			Churn:              churn,
		})
	}
	return out
}
