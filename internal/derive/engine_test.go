package derive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
	"github.com/sells-group/janus/internal/store"
)

type fakeSource struct {
	observed    model.DayRange
	hasData     bool
	events      []model.CanonicalEvent
	billing     []model.CanonicalBilling
	scanned     model.DayRange
	billedUntil model.Day
	replaced    model.DayRange
	states      []model.SubscriptionState
	rows        []model.FeatureRow
	replaceErr  error
}

func (f *fakeSource) ObservedRange(context.Context) (model.DayRange, bool, error) {
	return f.observed, f.hasData, nil
}

func (f *fakeSource) ScanEvents(_ context.Context, days model.DayRange) ([]model.CanonicalEvent, error) {
	f.scanned = days
	var out []model.CanonicalEvent
	for _, e := range f.events {
		if days.Contains(e.Day()) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) ScanBilling(_ context.Context, through model.Day) ([]model.CanonicalBilling, error) {
	f.billedUntil = through
	return f.billing, nil
}

func (f *fakeSource) ReplaceDerived(_ context.Context, days model.DayRange, states []model.SubscriptionState, rows []model.FeatureRow) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced, f.states, f.rows = days, states, rows
	return nil
}

func TestEngine_RunWholeObservedRange(t *testing.T) {
	src := &fakeSource{
		observed: model.DayRange{From: day(1), To: day(20)},
		hasData:  true,
		billing:  []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
		events:   []model.CanonicalEvent{event("e1", 2, "u2", "page_view")},
	}
	counters := monitoring.NewCounters()
	res, err := NewEngine(src, counters, DefaultOptions()).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, src.observed, src.replaced)
	assert.Equal(t, src.observed, src.scanned)
	assert.Equal(t, day(20), src.billedUntil)
	assert.Equal(t, 2, res.Users)
	assert.Len(t, src.states, 40)
	assert.Len(t, src.rows, 26)

	snap, err := counters.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.StateRows)
	assert.Equal(t, int64(26), snap.FeatureRows)
	assert.Equal(t, int64(14), snap.CensoredRows)
}

func TestEngine_RunClipsRequestedRange(t *testing.T) {
	src := &fakeSource{
		observed: model.DayRange{From: day(5), To: day(20)},
		hasData:  true,
		billing:  []model.CanonicalBilling{billing(5, "u1", model.BillingStart, "pro")},
	}
	requested := model.DayRange{From: day(1), To: day(10)}
	_, err := NewEngine(src, nil, DefaultOptions()).Run(context.Background(), &requested)
	require.NoError(t, err)

	assert.Equal(t, model.DayRange{From: day(5), To: day(10)}, src.replaced)
	assert.Equal(t, src.observed, src.scanned)
}

func TestEngine_RunNarrowedRangeMatchesFullDerive(t *testing.T) {
	newSource := func() *fakeSource {
		return &fakeSource{
			observed: model.DayRange{From: day(1), To: day(30)},
			hasData:  true,
			billing:  []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
			events: []model.CanonicalEvent{
				event("e1", 2, "u1", "page_view"),
				event("e2", 20, "late_user", "page_view"),
			},
		}
	}

	full := newSource()
	_, err := NewEngine(full, nil, DefaultOptions()).Run(context.Background(), nil)
	require.NoError(t, err)

	narrow := newSource()
	to := model.DayRange{From: day(1), To: day(10)}
	res, err := NewEngine(narrow, nil, DefaultOptions()).Run(context.Background(), &to)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)

	var wantStates []model.SubscriptionState
	for _, s := range full.states {
		if s.Day <= day(10) {
			wantStates = append(wantStates, s)
		}
	}
	var wantRows []model.FeatureRow
	for _, r := range full.rows {
		if r.Day <= day(10) {
			wantRows = append(wantRows, r)
		}
	}
	require.Len(t, wantStates, 20)
	assert.Equal(t, wantStates, narrow.states)
	assert.Equal(t, wantRows, narrow.rows)
	assert.Equal(t, "late_user", narrow.states[0].UserID)
}

func TestEngine_RunOutsideObservedRange(t *testing.T) {
	src := &fakeSource{observed: model.DayRange{From: day(5), To: day(20)}, hasData: true}
	requested := model.DayRange{From: day(25), To: day(30)}
	_, err := NewEngine(src, nil, DefaultOptions()).Run(context.Background(), &requested)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside observed data")
}

func TestEngine_RunEmptyStore(t *testing.T) {
	_, err := NewEngine(&fakeSource{}, nil, DefaultOptions()).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestEngine_RunReplaceFailure(t *testing.T) {
	src := &fakeSource{
		observed:   model.DayRange{From: day(1), To: day(10)},
		hasData:    true,
		billing:    []model.CanonicalBilling{billing(1, "u1", model.BillingStart, "pro")},
		replaceErr: errors.New("disk full"),
	}
	_, err := NewEngine(src, nil, DefaultOptions()).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestEngine_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "derive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	seen := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = st.CommitBilling(ctx, &model.BillingBatch{BatchID: "billing:a.csv", SeenAt: seen, Records: []model.CanonicalBilling{
		billing(1, "u1", model.BillingStart, "pro"),
		billing(6, "u1", model.BillingCancel, ""),
	}})
	require.NoError(t, err)

	var events []model.CanonicalEvent
	for n := 1; n <= 15; n++ {
		e := event(day(n).String(), n, "u1", "page_view")
		e.BatchID = "event:a.jsonl"
		events = append(events, e)
	}
	_, err = st.CommitEvents(ctx, &model.EventBatch{BatchID: "event:a.jsonl", SeenAt: seen, Events: events})
	require.NoError(t, err)

	res, err := NewEngine(st, nil, DefaultOptions()).Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DayRange{From: day(1), To: day(15)}, res.Days)

	rows, err := st.LoadFeatureRows(ctx, res.Days)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	assert.Equal(t, res.Rows, rows)

	assert.True(t, rows[4].Churn) // day 5: active, cancelled on day 6
	assert.False(t, rows[5].Churn)
	assert.Equal(t, 7, rows[7].EventsShort)

	// Recomputing replaces rather than appends.
	_, err = NewEngine(st, nil, DefaultOptions()).Run(ctx, nil)
	require.NoError(t, err)
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.Tables[store.TableState])
	assert.Equal(t, int64(8), stats.Tables[store.TableFeatures])
}
