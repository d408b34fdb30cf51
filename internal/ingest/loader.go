package ingest

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
	"github.com/sells-group/janus/internal/raw"
	"github.com/sells-group/janus/internal/resilience"
)

// Committer is the part of the canonical store the loader writes to.
type Committer interface {
	CommitEvents(ctx context.Context, batch *model.EventBatch) (model.CommitResult, error)
	CommitBilling(ctx context.Context, batch *model.BillingBatch) (model.CommitResult, error)
}

// Options configures a Loader.
type Options struct {
	FingerprintAttributes []string
	Lateness              LatenessPolicy
	Retry                 resilience.RetryConfig
	Concurrency           int
}

// BatchResult is the outcome of loading one raw batch.
type BatchResult struct {
	Batch  raw.Batch          `json:"batch"`
	Result model.CommitResult `json:"result"`
	Err    string             `json:"error,omitempty"`
}

// Result aggregates a multi-batch load.
type Result struct {
	Totals  model.CommitResult `json:"totals"`
	Batches []BatchResult      `json:"batches"`
	Failed  int                `json:"failed"`
}

// Loader validates raw batches and commits each one atomically.
type Loader struct {
	store    Committer
	parser   *Parser
	counters *monitoring.Counters
	retry    resilience.RetryConfig
	workers  int
	now      func() time.Time
}

// NewLoader creates a Loader. Nil counters get a fresh run-scoped set.
func NewLoader(st Committer, counters *monitoring.Counters, opts Options) *Loader {
	if counters == nil {
		counters = monitoring.NewCounters()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	return &Loader{
		store:    st,
		parser:   NewParser(NewFingerprinter(opts.FingerprintAttributes), opts.Lateness),
		counters: counters,
		retry:    opts.Retry,
		workers:  workers,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Counters returns the counters the loader records into.
func (l *Loader) Counters() *monitoring.Counters {
	return l.counters
}

// LoadAll loads every batch with bounded concurrency. A failed batch does not
// stop the others; the returned error names how many failed.
func (l *Loader) LoadAll(ctx context.Context, batches []raw.Batch) (*Result, error) {
	log := zap.L().With(zap.String("component", "ingest.loader"))
	log.Info("loading raw batches",
		zap.Int("batches", len(batches)),
		zap.Int("concurrency", l.workers),
	)

	results := make([]BatchResult, len(batches))
	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for i, b := range batches {
		g.Go(func() error {
			res, err := l.LoadBatch(gctx, b)
			results[i] = BatchResult{Batch: b, Result: res}
			if err != nil {
				results[i].Err = err.Error()
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ingest: load batches")
	}

	out := &Result{Batches: results}
	for _, r := range results {
		if r.Err != "" {
			out.Failed++
			continue
		}
		out.Totals.Add(r.Result)
	}

	log.Info("raw batches loaded",
		zap.Int("inserted", out.Totals.Inserted),
		zap.Int("duplicates", out.Totals.Duplicates),
		zap.Int("rejected", out.Totals.Rejected),
		zap.Int("failed_batches", out.Failed),
	)

	if out.Failed > 0 {
		return out, eris.Wrapf(firstErr, "ingest: %d of %d batches failed", out.Failed, len(batches))
	}
	if err := ctx.Err(); err != nil {
		return out, eris.Wrap(err, "ingest: cancelled")
	}
	return out, nil
}

// LoadBatch opens and loads a single raw batch file.
func (l *Loader) LoadBatch(ctx context.Context, b raw.Batch) (model.CommitResult, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		l.counters.RecordBatchFailure()
		return model.CommitResult{}, eris.Wrapf(err, "ingest: open batch %s", b.ID)
	}
	defer f.Close() //nolint:errcheck

	switch b.Kind {
	case model.KindEvent:
		return l.LoadEvents(ctx, b.ID, f)
	case model.KindBilling:
		return l.LoadBilling(ctx, b.ID, f)
	default:
		return model.CommitResult{}, eris.Errorf("ingest: unknown batch kind %q", b.Kind)
	}
}

// LoadEvents validates a JSONL event batch and commits it in one transaction,
// retrying the whole commit on transient storage failures.
func (l *Loader) LoadEvents(ctx context.Context, batchID string, r io.Reader) (model.CommitResult, error) {
	log := zap.L().With(zap.String("component", "ingest.loader"), zap.String("batch_id", batchID))
	seenAt := l.now()

	batch := &model.EventBatch{BatchID: batchID, SeenAt: seenAt}
	outCh, errCh := raw.StreamEvents(ctx, r)
	for rec := range outCh {
		e, rej := l.parser.Event(batchID, rec, seenAt)
		if rej != nil {
			batch.Rejections = append(batch.Rejections, *rej)
			continue
		}
		batch.Events = append(batch.Events, *e)
	}
	if err := <-errCh; err != nil {
		l.counters.RecordBatchFailure()
		return model.CommitResult{}, eris.Wrapf(err, "ingest: read batch %s", batchID)
	}

	res, err := l.commit(ctx, batchID, func(ctx context.Context) (model.CommitResult, error) {
		return l.store.CommitEvents(ctx, batch)
	})
	if err != nil {
		return model.CommitResult{}, err
	}

	l.record(log, model.KindEvent, res, batch.Rejections)
	return res, nil
}

// LoadBilling validates a CSV billing batch and commits it in one transaction,
// retrying the whole commit on transient storage failures.
func (l *Loader) LoadBilling(ctx context.Context, batchID string, r io.Reader) (model.CommitResult, error) {
	log := zap.L().With(zap.String("component", "ingest.loader"), zap.String("batch_id", batchID))
	seenAt := l.now()

	batch := &model.BillingBatch{BatchID: batchID, SeenAt: seenAt}
	outCh, errCh := raw.StreamBilling(ctx, r)
	for rec := range outCh {
		b, rej := l.parser.Billing(batchID, rec, seenAt)
		if rej != nil {
			batch.Rejections = append(batch.Rejections, *rej)
			continue
		}
		batch.Records = append(batch.Records, *b)
	}
	if err := <-errCh; err != nil {
		l.counters.RecordBatchFailure()
		return model.CommitResult{}, eris.Wrapf(err, "ingest: read batch %s", batchID)
	}

	res, err := l.commit(ctx, batchID, func(ctx context.Context) (model.CommitResult, error) {
		return l.store.CommitBilling(ctx, batch)
	})
	if err != nil {
		return model.CommitResult{}, err
	}

	l.record(log, model.KindBilling, res, batch.Rejections)
	return res, nil
}

func (l *Loader) commit(ctx context.Context, batchID string, fn func(context.Context) (model.CommitResult, error)) (model.CommitResult, error) {
	cfg := l.retry
	cfg.OnRetry = resilience.RetryLogger("ingest.loader", batchID)

	res, err := resilience.DoVal(ctx, cfg, fn)
	if err != nil {
		l.counters.RecordBatchFailure()
		return model.CommitResult{}, eris.Wrapf(err, "ingest: commit batch %s", batchID)
	}
	return res, nil
}

func (l *Loader) record(log *zap.Logger, kind model.RecordKind, res model.CommitResult, rejections []model.Rejection) {
	l.counters.RecordCommit(kind, res)
	l.counters.RecordRejections(kind, rejections)

	for _, rej := range rejections {
		log.Debug("record quarantined",
			zap.Int("index", rej.Index),
			zap.String("reason", rej.Reason),
			zap.String("detail", rej.Detail),
		)
	}
	log.Info("batch committed",
		zap.String("kind", string(kind)),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", res.Rejected),
	)
}
