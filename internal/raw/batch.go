// Package raw reads the raw record store: daily JSONL event batches and CSV
// billing batches, each individually addressable by record index.
package raw

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
)

// Batch is one raw arrival batch (one file).
type Batch struct {
	ID   string           `json:"id"`
	Kind model.RecordKind `json:"kind"`
	Path string           `json:"path"`
}

// BatchID derives the stable batch identifier for a raw file. Reloading the
// same file always yields the same id, so quarantine rows stay idempotent.
func BatchID(kind model.RecordKind, path string) string {
	return string(kind) + ":" + filepath.Base(path)
}

// Source describes where raw batches live.
type Source struct {
	EventsDir   string
	EventsGlob  string
	BillingDir  string
	BillingGlob string
}

// Discover lists billing batches followed by event batches, each sorted by
// file name. A missing directory yields no batches of that kind.
func Discover(src Source) ([]Batch, error) {
	billing, err := discover(model.KindBilling, src.BillingDir, src.BillingGlob)
	if err != nil {
		return nil, err
	}
	events, err := discover(model.KindEvent, src.EventsDir, src.EventsGlob)
	if err != nil {
		return nil, err
	}
	return append(billing, events...), nil
}

func discover(kind model.RecordKind, dir, glob string) ([]Batch, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "raw: stat %s", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, eris.Wrapf(err, "raw: glob %s/%s", dir, glob)
	}
	sort.Strings(matches)

	batches := make([]Batch, 0, len(matches))
	for _, m := range matches {
		batches = append(batches, Batch{ID: BatchID(kind, m), Kind: kind, Path: m})
	}
	return batches, nil
}
