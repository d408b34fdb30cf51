package raw

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/model"
)

func collectEvents(t *testing.T, outCh <-chan EventRecord, errCh <-chan error) ([]EventRecord, error) {
	t.Helper()
	var recs []EventRecord
	for r := range outCh {
		recs = append(recs, r)
	}
	for err := range errCh {
		if err != nil {
			return recs, err
		}
	}
	return recs, nil
}

func collectBilling(t *testing.T, outCh <-chan BillingRecord, errCh <-chan error) ([]BillingRecord, error) {
	t.Helper()
	var recs []BillingRecord
	for r := range outCh {
		recs = append(recs, r)
	}
	for err := range errCh {
		if err != nil {
			return recs, err
		}
	}
	return recs, nil
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	events := filepath.Join(root, "events")
	billing := filepath.Join(root, "billing")
	require.NoError(t, os.MkdirAll(events, 0o755))
	require.NoError(t, os.MkdirAll(billing, 0o755))
	for _, f := range []string{"2024-01-02.jsonl", "2024-01-01.jsonl", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(events, f), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(billing, "2024-01-01.csv"), nil, 0o644))

	batches, err := Discover(Source{
		EventsDir: events, EventsGlob: "*.jsonl",
		BillingDir: billing, BillingGlob: "*.csv",
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, "billing:2024-01-01.csv", batches[0].ID)
	assert.Equal(t, model.KindBilling, batches[0].Kind)
	assert.Equal(t, "event:2024-01-01.jsonl", batches[1].ID)
	assert.Equal(t, "event:2024-01-02.jsonl", batches[2].ID)
	assert.Equal(t, model.KindEvent, batches[2].Kind)
}

func TestDiscover_MissingDir(t *testing.T) {
	batches, err := Discover(Source{
		EventsDir: filepath.Join(t.TempDir(), "nope"), EventsGlob: "*.jsonl",
	})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestStreamEvents(t *testing.T) {
	input := `{"event_id":"e1","event_ts":"2024-01-01T10:00:00Z","received_ts":"2024-01-01T10:00:05Z","user_id":"u1","event_type":"login","props":{"channel":"paid"}}

not json
{"event_id":"e2","event_ts":"2024-01-01T11:00:00Z","received_ts":"2024-01-01T11:00:00Z","user_id":null,"event_type":"page_view"}
`
	outCh, errCh := StreamEvents(context.Background(), strings.NewReader(input))
	recs, err := collectEvents(t, outCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, 1, recs[0].Index)
	assert.NoError(t, recs[0].Err)
	assert.Equal(t, "e1", recs[0].Event.EventID)
	assert.Equal(t, "paid", recs[0].Event.Props["channel"])

	assert.Equal(t, 3, recs[1].Index, "blank lines keep line numbering")
	assert.Error(t, recs[1].Err)
	assert.Equal(t, "not json", string(recs[1].Payload))

	assert.Equal(t, 4, recs[2].Index)
	assert.NoError(t, recs[2].Err)
	assert.Empty(t, recs[2].Event.UserID)
}

func TestStreamEvents_OversizedLineIsIsolated(t *testing.T) {
	good := `{"event_id":"e1","event_ts":"2024-01-01T10:00:00Z","received_ts":"2024-01-01T10:00:00Z","user_id":"u1","event_type":"login"}`
	huge := `{"event_id":"big","pad":"` + strings.Repeat("x", 5<<20) + `"}`
	input := good + "\n" + huge + "\n" + strings.Replace(good, "e1", "e2", 1) + "\n"

	outCh, errCh := StreamEvents(context.Background(), strings.NewReader(input))
	recs, err := collectEvents(t, outCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.NoError(t, recs[0].Err)
	assert.Equal(t, 2, recs[1].Index)
	assert.ErrorIs(t, recs[1].Err, ErrLineTooLong)
	assert.Len(t, recs[1].Payload, payloadPrefixBytes)
	assert.True(t, strings.HasPrefix(string(recs[1].Payload), `{"event_id":"big"`))
	assert.Equal(t, 3, recs[2].Index)
	assert.NoError(t, recs[2].Err)
	assert.Equal(t, "e2", recs[2].Event.EventID)
}

func TestStreamEvents_LastLineWithoutNewline(t *testing.T) {
	outCh, errCh := StreamEvents(context.Background(), strings.NewReader("{\"event_id\":\"e1\"}\n{\"event_id\":\"e2\"}"))
	recs, err := collectEvents(t, outCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "e2", recs[1].Event.EventID)
}

func TestStreamEvents_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outCh, errCh := StreamEvents(ctx, strings.NewReader("{}\n{}\n"))
	_, err := collectEvents(t, outCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestStreamBilling(t *testing.T) {
	input := "billing_date,user_id,event,plan_id\n" +
		"2024-01-01,u1,start,pro\n" +
		"2024-01-05, u1 ,cancel,\n" +
		"2024-01-06,u2\n" +
		"2024-01-07,u3,upgrade,team\n"

	outCh, errCh := StreamBilling(context.Background(), strings.NewReader(input))
	recs, err := collectBilling(t, outCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	assert.Equal(t, model.RawBilling{BillingDate: "2024-01-01", UserID: "u1", Event: "start", PlanID: "pro"}, recs[0].Billing)
	assert.JSONEq(t, `{"billing_date":"2024-01-01","user_id":"u1","event":"start","plan_id":"pro"}`, string(recs[0].Payload))

	assert.Equal(t, "u1", recs[1].Billing.UserID)
	assert.Empty(t, recs[1].Billing.PlanID)

	assert.Equal(t, 3, recs[2].Index)
	assert.Error(t, recs[2].Err)

	assert.NoError(t, recs[3].Err)
	assert.Equal(t, "team", recs[3].Billing.PlanID)
}

func TestStreamBilling_Empty(t *testing.T) {
	outCh, errCh := StreamBilling(context.Background(), strings.NewReader(""))
	recs, err := collectBilling(t, outCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
