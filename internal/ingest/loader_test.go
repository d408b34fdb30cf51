package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/raw"
	"github.com/sells-group/janus/internal/resilience"
	"github.com/sells-group/janus/internal/store"
)

const eventsJSONL = `{"event_id":"e1","event_ts":"2024-03-01T09:00:00Z","received_ts":"2024-03-01T09:00:05Z","user_id":"u1","session_id":"s1","event_type":"page_view","props":{"path":"/"}}
{"event_id":"e2","event_ts":"2024-03-01T10:00:00Z","received_ts":"2024-03-03T10:00:00Z","user_id":"u2","session_id":"s2","event_type":"feature_use","props":{}}
not json at all
{"event_id":"","event_ts":"2024-03-01T10:00:00Z","received_ts":"2024-03-01T10:00:00Z","event_type":"page_view"}

{"event_id":"e1","event_ts":"2024-03-01T09:00:00Z","received_ts":"2024-03-01T09:00:05Z","user_id":"u1","session_id":"s1","event_type":"page_view","props":{"path":"/","ui_variant":"b"}}
`

const billingCSV = `billing_date,user_id,event,plan_id
2024-03-01,u1,start,pro
2024-03-01,u2,start,
2024-03-02,u2,refund,basic
2024-03-03,u1,cancel,
`

var loaderRetry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func newLoaderTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "loader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func writeBatches(t *testing.T) []raw.Batch {
	t.Helper()
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "2024-03-01.jsonl")
	billingPath := filepath.Join(dir, "2024-03-01.csv")
	require.NoError(t, os.WriteFile(eventsPath, []byte(eventsJSONL), 0o644))
	require.NoError(t, os.WriteFile(billingPath, []byte(billingCSV), 0o644))
	return []raw.Batch{
		{ID: raw.BatchID(model.KindBilling, billingPath), Kind: model.KindBilling, Path: billingPath},
		{ID: raw.BatchID(model.KindEvent, eventsPath), Kind: model.KindEvent, Path: eventsPath},
	}
}

func TestLoader_LoadAll(t *testing.T) {
	s := newLoaderTestStore(t)
	ctx := context.Background()
	l := NewLoader(s, nil, Options{Lateness: LatenessPolicy{SameDayBoundary: true}, Retry: loaderRetry, Concurrency: 2})

	res, err := l.LoadAll(ctx, writeBatches(t))
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Batches, 2)

	// Billing: 2 valid, 2 rejected. Events: 2 new, 1 re-delivery, 2 rejected.
	assert.Equal(t, model.CommitResult{Inserted: 2, Duplicates: 0, Rejected: 2}, res.Batches[0].Result)
	assert.Equal(t, model.CommitResult{Inserted: 2, Duplicates: 1, Rejected: 2}, res.Batches[1].Result)
	assert.Equal(t, model.CommitResult{Inserted: 4, Duplicates: 1, Rejected: 4}, res.Totals)

	events, err := s.ScanEvents(ctx, model.DayRange{From: model.MustParseDay("2024-03-01"), To: model.MustParseDay("2024-03-01")})
	require.NoError(t, err)
	require.Len(t, events, 2)
	byID := map[string]model.CanonicalEvent{}
	for _, e := range events {
		byID[e.EventID] = e
	}
	assert.False(t, byID["e1"].IsLate)
	assert.True(t, byID["e2"].IsLate)
	assert.Equal(t, int64(48*3600), byID["e2"].LatenessSeconds)

	q, err := s.ListQuarantine(ctx, "")
	require.NoError(t, err)
	reasons := map[string]int{}
	for _, r := range q {
		reasons[r.Reason]++
	}
	assert.Equal(t, map[string]int{
		string(ReasonMalformedJSON):  1,
		string(ReasonMissingEventID): 1,
		string(ReasonMissingPlanID):  1,
		string(ReasonInvalidEvent):   1,
	}, reasons)

	snap, err := l.Counters().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Inserted)
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.Equal(t, int64(4), snap.Rejected)
	assert.Equal(t, int64(2), snap.BatchesLoaded)
}

func TestLoader_ReloadIsIdempotent(t *testing.T) {
	s := newLoaderTestStore(t)
	ctx := context.Background()
	batches := writeBatches(t)

	first := NewLoader(s, nil, Options{Retry: loaderRetry})
	_, err := first.LoadAll(ctx, batches)
	require.NoError(t, err)
	before, err := s.Stats(ctx)
	require.NoError(t, err)
	eventsBefore, billingBefore := scanBusinessFields(t, s)
	require.Len(t, eventsBefore, 2)
	require.Len(t, billingBefore, 2)

	for i := 0; i < 3; i++ {
		again := NewLoader(s, nil, Options{Retry: loaderRetry})
		res, err := again.LoadAll(ctx, batches)
		require.NoError(t, err)
		assert.Zero(t, res.Totals.Inserted)
		assert.Equal(t, 5, res.Totals.Duplicates)
	}

	after, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Tables[store.TableEvents], after.Tables[store.TableEvents])
	assert.Equal(t, before.Tables[store.TableBilling], after.Tables[store.TableBilling])
	assert.Equal(t, before.Tables[store.TableQuarantine], after.Tables[store.TableQuarantine])

	eventsAfter, billingAfter := scanBusinessFields(t, s)
	assert.Equal(t, eventsBefore, eventsAfter)
	assert.Equal(t, billingBefore, billingAfter)
}

// scanBusinessFields returns canonical rows with LastSeenAt cleared, the one
// column a reload may touch.
func scanBusinessFields(t *testing.T, s store.Store) ([]model.CanonicalEvent, []model.CanonicalBilling) {
	t.Helper()
	ctx := context.Background()
	all := model.DayRange{From: model.MustParseDay("2024-01-01"), To: model.MustParseDay("2024-12-31")}
	events, err := s.ScanEvents(ctx, all)
	require.NoError(t, err)
	for i := range events {
		events[i].LastSeenAt = time.Time{}
	}
	billing, err := s.ScanBilling(ctx, all.To)
	require.NoError(t, err)
	for i := range billing {
		billing[i].LastSeenAt = time.Time{}
	}
	return events, billing
}

func TestLoader_ConcurrentOverlappingBatches(t *testing.T) {
	s := newLoaderTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	var batches []raw.Batch
	for _, name := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, name+".jsonl")
		require.NoError(t, os.WriteFile(path, []byte(eventsJSONL), 0o644))
		batches = append(batches, raw.Batch{ID: raw.BatchID(model.KindEvent, path), Kind: model.KindEvent, Path: path})
	}
	for _, name := range []string{"a", "b"} {
		path := filepath.Join(dir, name+".csv")
		require.NoError(t, os.WriteFile(path, []byte(billingCSV), 0o644))
		batches = append(batches, raw.Batch{ID: raw.BatchID(model.KindBilling, path), Kind: model.KindBilling, Path: path})
	}

	l := NewLoader(s, nil, Options{Retry: loaderRetry, Concurrency: len(batches)})
	res, err := l.LoadAll(ctx, batches)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	// Three event copies hold 9 valid lines over 2 fingerprints; two billing
	// copies hold 4 valid rows over 2 fingerprints.
	assert.Equal(t, 4, res.Totals.Inserted)
	assert.Equal(t, 9, res.Totals.Duplicates)

	events, billing := scanBusinessFields(t, s)
	fingerprints := map[string]int{}
	for _, e := range events {
		fingerprints[e.Fingerprint]++
	}
	for _, b := range billing {
		fingerprints[b.Fingerprint]++
	}
	assert.Len(t, fingerprints, 4)
	for fp, n := range fingerprints {
		assert.Equal(t, 1, n, "fingerprint %s stored %d times", fp, n)
	}
}

func TestLoader_OversizedLineQuarantined(t *testing.T) {
	s := newLoaderTestStore(t)
	ctx := context.Background()

	good := strings.SplitN(eventsJSONL, "\n", 2)[0]
	huge := `{"event_id":"big","pad":"` + strings.Repeat("x", 5<<20) + `"}`
	second := strings.SplitN(eventsJSONL, "\n", 3)[1]
	input := good + "\n" + huge + "\n" + second + "\n"

	l := NewLoader(s, nil, Options{Retry: loaderRetry})
	res, err := l.LoadEvents(ctx, "event:big.jsonl", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, model.CommitResult{Inserted: 2, Rejected: 1}, res)

	q, err := s.ListQuarantine(ctx, "event:big.jsonl")
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, string(ReasonLineTooLong), q[0].Reason)
	assert.Equal(t, 2, q[0].Index)
}

func TestLoader_MissingFileFailsOnlyThatBatch(t *testing.T) {
	s := newLoaderTestStore(t)
	batches := writeBatches(t)
	batches = append(batches, raw.Batch{ID: "event:gone.jsonl", Kind: model.KindEvent, Path: filepath.Join(t.TempDir(), "gone.jsonl")})

	l := NewLoader(s, nil, Options{Retry: loaderRetry, Concurrency: 3})
	res, err := l.LoadAll(context.Background(), batches)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, err.Error(), "1 of 3 batches failed")
	assert.Equal(t, 4, res.Totals.Inserted)

	snap, err := l.Counters().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.BatchesFailed)
}

// flakyCommitter fails the first N commits with a transient error.
type flakyCommitter struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyCommitter) CommitEvents(_ context.Context, b *model.EventBatch) (model.CommitResult, error) {
	if f.calls.Add(1) <= f.failures {
		return model.CommitResult{}, f.err
	}
	return model.CommitResult{Inserted: len(b.Events), Rejected: len(b.Rejections)}, nil
}

func (f *flakyCommitter) CommitBilling(_ context.Context, b *model.BillingBatch) (model.CommitResult, error) {
	if f.calls.Add(1) <= f.failures {
		return model.CommitResult{}, f.err
	}
	return model.CommitResult{Inserted: len(b.Records), Rejected: len(b.Rejections)}, nil
}

func TestLoader_RetriesTransientCommit(t *testing.T) {
	c := &flakyCommitter{failures: 2, err: resilience.NewTransientError(errors.New("database is locked"), "commit")}
	l := NewLoader(c, nil, Options{Retry: loaderRetry})

	res, err := l.LoadEvents(context.Background(), "event:x.jsonl", strings.NewReader(eventsJSONL))
	require.NoError(t, err)
	assert.Equal(t, int32(3), c.calls.Load())
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Rejected)
}

func TestLoader_PermanentCommitFailureNotRetried(t *testing.T) {
	c := &flakyCommitter{failures: 10, err: errors.New("constraint violated")}
	l := NewLoader(c, nil, Options{Retry: loaderRetry})

	_, err := l.LoadBilling(context.Background(), "billing:x.csv", strings.NewReader(billingCSV))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit batch billing:x.csv")
	assert.Equal(t, int32(1), c.calls.Load())

	snap, err := l.Counters().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.BatchesFailed)
	assert.Zero(t, snap.Inserted)
}

func TestLoader_TransientExhaustion(t *testing.T) {
	c := &flakyCommitter{failures: 10, err: resilience.NewTransientError(errors.New("database is locked"), "commit")}
	l := NewLoader(c, nil, Options{Retry: loaderRetry})

	_, err := l.LoadEvents(context.Background(), "event:x.jsonl", strings.NewReader(eventsJSONL))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), c.calls.Load())
}
