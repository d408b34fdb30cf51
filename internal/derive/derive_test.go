package derive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/store"
)

var day0 = model.MustParseDay("2024-01-01")

// day returns the n-th day of the test calendar, starting at 1.
func day(n int) model.Day { return day0.Add(n - 1) }

func billing(n int, user string, kind model.BillingKind, plan string) model.CanonicalBilling {
	return model.CanonicalBilling{
		Fingerprint: fmt.Sprintf("b-%s-%d-%s-%s", user, n, kind, plan),
		BillingDate: day(n),
		UserID:      user,
		Kind:        kind,
		PlanID:      plan,
		IngestedAt:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func event(id string, n int, user, typ string) model.CanonicalEvent {
	ts := day(n).Time().Add(10 * time.Hour)
	return model.CanonicalEvent{
		Fingerprint: "fp-" + id,
		EventID:     id,
		EventTS:     ts,
		ReceivedTS:  ts.Add(time.Minute),
		UserID:      user,
		SessionID:   "s-" + id,
		EventType:   typ,
		IngestedAt:  ts.Add(time.Hour),
	}
}

// stateAt evaluates the point-in-time rule from scratch for one day.
func stateAt(records []model.CanonicalBilling, d model.Day) (bool, string) {
	var act, cancel *model.CanonicalBilling
	for i := range records {
		r := &records[i]
		if r.BillingDate > d {
			continue
		}
		switch {
		case r.Kind == model.BillingCancel:
			if cancel == nil || r.BillingDate > cancel.BillingDate {
				cancel = r
			}
		case r.Kind.Activates():
			if act == nil || r.BillingDate > act.BillingDate ||
				(r.BillingDate == act.BillingDate && (r.IngestedAt.After(act.IngestedAt) ||
					(r.IngestedAt.Equal(act.IngestedAt) && r.Fingerprint > act.Fingerprint))) {
				act = r
			}
		}
	}
	if act == nil || (cancel != nil && cancel.BillingDate >= act.BillingDate) {
		return false, ""
	}
	return true, act.PlanID
}

func rowFor(t *testing.T, rows []model.FeatureRow, d model.Day, user string) model.FeatureRow {
	t.Helper()
	for _, r := range rows {
		if r.Day == d && r.UserID == user {
			return r
		}
	}
	t.Fatalf("no feature row for %s on %s", user, d)
	return model.FeatureRow{}
}

func stateFor(t *testing.T, states []model.SubscriptionState, d model.Day, user string) model.SubscriptionState {
	t.Helper()
	for _, s := range states {
		if s.Day == d && s.UserID == user {
			return s
		}
	}
	t.Fatalf("no state for %s on %s", user, d)
	return model.SubscriptionState{}
}

func TestCompute_SameDayCancelWins(t *testing.T) {
	in := Input{
		Billing: []model.CanonicalBilling{
			billing(10, "u1", model.BillingStart, "pro"),
			billing(10, "u1", model.BillingCancel, ""),
		},
		Days:        model.DayRange{From: day(9), To: day(11)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	assert.False(t, stateFor(t, res.States, day(9), "u1").IsActive)
	st := stateFor(t, res.States, day(10), "u1")
	assert.False(t, st.IsActive)
	assert.Empty(t, st.PlanID)
	assert.False(t, stateFor(t, res.States, day(11), "u1").IsActive)
}

func TestCompute_PlanFollowsLatestActivation(t *testing.T) {
	in := Input{
		Billing: []model.CanonicalBilling{
			billing(1, "u1", model.BillingStart, "basic"),
			billing(4, "u1", model.BillingUpgrade, "pro"),
			billing(6, "u1", model.BillingCancel, ""),
			billing(8, "u1", model.BillingStart, "basic"),
		},
		Days:        model.DayRange{From: day(1), To: day(9)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	want := map[int]string{1: "basic", 3: "basic", 4: "pro", 5: "pro", 6: "", 7: "", 8: "basic", 9: "basic"}
	for n, plan := range want {
		st := stateFor(t, res.States, day(n), "u1")
		assert.Equal(t, plan != "", st.IsActive, "day %d", n)
		assert.Equal(t, plan, st.PlanID, "day %d", n)
	}
}

func TestCompute_CursorMatchesPointInTimeRule(t *testing.T) {
	records := []model.CanonicalBilling{
		billing(2, "u1", model.BillingStart, "basic"),
		billing(5, "u1", model.BillingUpgrade, "pro"),
		billing(5, "u1", model.BillingUpgrade, "team"),
		billing(9, "u1", model.BillingCancel, ""),
		billing(9, "u1", model.BillingUpgrade, "pro"),
		billing(12, "u1", model.BillingStart, "basic"),
		billing(15, "u1", model.BillingCancel, ""),
		billing(20, "u1", model.BillingCancel, ""),
	}
	in := Input{Billing: records, Days: model.DayRange{From: day(1), To: day(22)}, MaxObserved: day(22)}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	for n := 1; n <= 22; n++ {
		active, plan := stateAt(records, day(n))
		st := stateFor(t, res.States, day(n), "u1")
		assert.Equal(t, active, st.IsActive, "day %d", n)
		assert.Equal(t, plan, st.PlanID, "day %d", n)
	}
}

func TestCompute_CensoringCutoff(t *testing.T) {
	in := Input{
		Billing:     []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
		Days:        model.DayRange{From: day(1), To: day(90)},
		MaxObserved: day(90),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, day(83), res.LabelCutoff)
	assert.Len(t, res.States, 90)
	assert.Len(t, res.Rows, 83)
	assert.Equal(t, 7, res.CensoredRows)
	assert.Equal(t, day(83), res.Rows[len(res.Rows)-1].Day)
	for _, r := range res.Rows {
		assert.LessOrEqual(t, int(r.Day.Add(7)), int(in.MaxObserved))
	}
}

func TestCompute_TrailingWindowBounds(t *testing.T) {
	in := Input{
		Events: []model.CanonicalEvent{
			event("e1", 3, "u1", "page_view"),   // left boundary, excluded
			event("e2", 4, "u1", "feature_use"), // first day inside
			event("e3", 10, "u1", "page_view"),  // row day, included
			event("e4", 11, "u1", "page_view"),  // after the row day
			event("t1", 1, "u1", "support_ticket"),
			event("t2", 2, "u1", "support_ticket"),
		},
		Days:        model.DayRange{From: day(10), To: day(10)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	r := rowFor(t, res.Rows, day(10), "u1")
	assert.Equal(t, 2, r.EventsShort)
	assert.Equal(t, 2, r.SessionsShort)
	assert.Equal(t, 1, r.FeatureUseShort)
	assert.Equal(t, 2, r.SupportTicketsLong)
}

func TestCompute_LongWindowExcludesLeftBoundary(t *testing.T) {
	in := Input{
		Events: []model.CanonicalEvent{
			event("t1", 1, "u1", "support_ticket"),
			event("t2", 2, "u1", "support_ticket"),
		},
		Days:        model.DayRange{From: day(15), To: day(15)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	// (15-14, 15] starts at day 2.
	assert.Equal(t, 1, rowFor(t, res.Rows, day(15), "u1").SupportTicketsLong)
}

func TestCompute_LateRate(t *testing.T) {
	late := event("e2", 5, "u1", "page_view")
	late.IsLate = true
	in := Input{
		Events: []model.CanonicalEvent{
			event("e1", 5, "u1", "page_view"),
			late,
			event("e3", 6, "u1", "page_view"),
			event("e4", 6, "u1", "page_view"),
		},
		Billing:     []model.CanonicalBilling{billing(1, "u2", model.BillingStart, "pro")},
		Days:        model.DayRange{From: day(6), To: day(6)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	assert.InDelta(t, 0.25, rowFor(t, res.Rows, day(6), "u1").LateRateShort, 1e-12)

	// No events in window: exactly zero, never NaN.
	quiet := rowFor(t, res.Rows, day(6), "u2")
	assert.Zero(t, quiet.EventsShort)
	assert.Equal(t, 0.0, quiet.LateRateShort)
}

func TestCompute_SessionsAreDistinct(t *testing.T) {
	a := event("e1", 5, "u1", "page_view")
	b := event("e2", 6, "u1", "page_view")
	c := event("e3", 6, "u1", "page_view")
	b.SessionID = a.SessionID
	c.SessionID = ""
	in := Input{
		Events:      []model.CanonicalEvent{a, b, c},
		Days:        model.DayRange{From: day(6), To: day(6)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	r := rowFor(t, res.Rows, day(6), "u1")
	assert.Equal(t, 3, r.EventsShort)
	assert.Equal(t, 1, r.SessionsShort)
}

func TestCompute_EventIDRedeliveryCountedOnce(t *testing.T) {
	first := event("e1", 5, "u1", "page_view")
	redelivered := first
	redelivered.Fingerprint = "fp-e1-redelivered"
	redelivered.ReceivedTS = first.ReceivedTS.Add(48 * time.Hour)
	redelivered.IsLate = true

	in := Input{
		Events:      []model.CanonicalEvent{first, redelivered},
		Days:        model.DayRange{From: day(5), To: day(5)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	r := rowFor(t, res.Rows, day(5), "u1")
	assert.Equal(t, 1, r.EventsShort)
	// The latest-received copy wins.
	assert.Equal(t, 1.0, r.LateRateShort)
}

func TestCompute_EventsWithoutUserIgnored(t *testing.T) {
	anon := event("e1", 5, "", "page_view")
	in := Input{
		Events:      []model.CanonicalEvent{anon},
		Billing:     []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
		Days:        model.DayRange{From: day(5), To: day(5)},
		MaxObserved: day(30),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "u1", res.Rows[0].UserID)
}

func TestCompute_ChurnLabel(t *testing.T) {
	in := Input{
		Billing: []model.CanonicalBilling{
			billing(1, "stay", model.BillingStart, "pro"),
			billing(1, "leave", model.BillingStart, "pro"),
			billing(12, "leave", model.BillingCancel, ""),
			billing(1, "return", model.BillingStart, "pro"),
			billing(5, "return", model.BillingCancel, ""),
			billing(9, "return", model.BillingStart, "basic"),
		},
		Days:        model.DayRange{From: day(1), To: day(20)},
		MaxObserved: day(20),
	}
	res, err := Compute(context.Background(), in, DefaultOptions())
	require.NoError(t, err)

	for n := 1; n <= 13; n++ {
		assert.False(t, rowFor(t, res.Rows, day(n), "stay").Churn, "stay day %d", n)
	}

	// Active through day 11, inactive from day 12 on.
	assert.False(t, rowFor(t, res.Rows, day(4), "leave").Churn)
	assert.True(t, rowFor(t, res.Rows, day(11), "leave").Churn)
	// Already inactive: informative negative.
	assert.False(t, rowFor(t, res.Rows, day(12), "leave").Churn)
	assert.False(t, rowFor(t, res.Rows, day(12), "leave").IsActive)

	// Cancelled on day 5 but restarted on day 9, within the horizon.
	assert.False(t, rowFor(t, res.Rows, day(4), "return").Churn)
}

func TestCompute_ParallelMatchesSequential(t *testing.T) {
	var events []model.CanonicalEvent
	var bills []model.CanonicalBilling
	for u := 0; u < 25; u++ {
		user := fmt.Sprintf("u%02d", u)
		bills = append(bills, billing(1+u%5, user, model.BillingStart, "pro"))
		if u%3 == 0 {
			bills = append(bills, billing(10+u%7, user, model.BillingCancel, ""))
		}
		for n := 1; n <= 30; n += 1 + u%4 {
			events = append(events, event(fmt.Sprintf("%s-%d", user, n), n, user, []string{"page_view", "feature_use", "support_ticket"}[n%3]))
		}
	}
	in := Input{Events: events, Billing: bills, Days: model.DayRange{From: day(1), To: day(30)}, MaxObserved: day(30)}

	seq := DefaultOptions()
	seq.Concurrency = 1
	par := DefaultOptions()
	par.Concurrency = 8

	a, err := Compute(context.Background(), in, seq)
	require.NoError(t, err)
	b, err := Compute(context.Background(), in, par)
	require.NoError(t, err)

	assert.Equal(t, a.States, b.States)
	assert.Equal(t, a.Rows, b.Rows)
	assert.Equal(t, 25*7, a.CensoredRows)
	require.NoError(t, CheckGrain(a.States, a.Rows))
}

func TestCompute_EmptyRange(t *testing.T) {
	_, err := Compute(context.Background(), Input{Days: model.DayRange{From: day(5), To: day(4)}}, DefaultOptions())
	require.Error(t, err)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := Input{
		Billing:     []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
		Days:        model.DayRange{From: day(1), To: day(3)},
		MaxObserved: day(30),
	}
	_, err := Compute(ctx, in, DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCheckGrain(t *testing.T) {
	states := []model.SubscriptionState{{Day: day(1), UserID: "u1"}, {Day: day(1), UserID: "u2"}}
	rows := []model.FeatureRow{{Day: day(1), UserID: "u1"}, {Day: day(2), UserID: "u1"}}
	require.NoError(t, CheckGrain(states, rows))

	dupState := append(states, model.SubscriptionState{Day: day(1), UserID: "u2"})
	err := CheckGrain(dupState, rows)
	var gv *GrainViolationError
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, store.TableState, gv.Table)
	assert.Equal(t, "u2", gv.UserID)
	assert.Equal(t, day(1), gv.Day)

	dupRow := append(rows, model.FeatureRow{Day: day(2), UserID: "u1"})
	err = CheckGrain(states, dupRow)
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, store.TableFeatures, gv.Table)
	assert.Contains(t, err.Error(), "day=2024-01-02")
}
