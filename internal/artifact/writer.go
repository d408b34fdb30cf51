// Package artifact writes evaluation results to a run directory and verifies
// that a directory holds a complete, untampered set.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/janus/internal/evaluate"
	"github.com/sells-group/janus/internal/model"
)

// Artifact file names inside a run directory.
const (
	FileFolds        = "folds.csv"
	FileSummary      = "summary.json"
	FileCoefficients = "coefficients.csv"
	FileManifest     = "manifest.yaml"
)

// Input is everything a run directory records. Counters is nil when the
// writing process did not ingest or derive, and summary.json then omits them.
type Input struct {
	RunID    string
	Days     *model.DayRange
	Report   *evaluate.Report
	Counters *model.RunCounters
}

// Summary is the structure of summary.json.
type Summary struct {
	RunID      string             `json:"run_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Days       *model.DayRange    `json:"days,omitempty"`
	Evaluation evaluate.Summary   `json:"evaluation"`
	Counters   *model.RunCounters `json:"counters,omitempty"`
	FinalFit   evaluate.FinalFit  `json:"final_fit"`
}

// Written describes a completed run directory.
type Written struct {
	Dir      string    `json:"dir"`
	Paths    []string  `json:"paths"`
	Manifest *Manifest `json:"manifest"`
}

// Writer writes run directories under a root directory.
type Writer struct {
	root string
	now  func() time.Time
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Dir returns the directory a run's artifacts are written to.
func (w *Writer) Dir(runID string) string {
	return filepath.Join(w.root, runID)
}

// Write writes folds, coefficients and summary, then the manifest. Any
// existing manifest is removed first, so a directory is only ever marked
// complete by the write that produced its current contents.
func (w *Writer) Write(ctx context.Context, in Input) (*Written, error) {
	if in.RunID == "" {
		return nil, eris.New("artifact: run id is required")
	}
	if in.Report == nil {
		return nil, eris.New("artifact: report is required")
	}

	dir := w.Dir(in.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create %s", dir)
	}
	if err := os.Remove(filepath.Join(dir, FileManifest)); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "artifact: remove stale manifest")
	}

	created := w.now()
	summary := Summary{
		RunID:      in.RunID,
		CreatedAt:  created,
		Days:       in.Days,
		Evaluation: in.Report.Summary,
		Counters:   in.Counters,
		FinalFit:   in.Report.FinalFit,
	}

	steps := []struct {
		name  string
		write func(io.Writer) error
	}{
		{FileFolds, func(out io.Writer) error { return writeCSV(out, evaluate.FoldMetrics{}, in.Report.Folds) }},
		{FileCoefficients, func(out io.Writer) error {
			return writeCSV(out, evaluate.Coefficient{}, in.Report.FinalFit.Coefficients)
		}},
		{FileSummary, func(out io.Writer) error {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}},
	}

	manifest := &Manifest{RunID: in.RunID, CreatedAt: created}
	written := &Written{Dir: dir, Manifest: manifest}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "artifact: write")
		}
		entry, err := writeAtomic(dir, s.name, s.write)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
		written.Paths = append(written.Paths, filepath.Join(dir, s.name))
	}

	manifest.Complete = true
	if _, err := writeAtomic(dir, FileManifest, manifest.encode); err != nil {
		return nil, err
	}
	written.Paths = append(written.Paths, filepath.Join(dir, FileManifest))

	zap.L().Info("artifacts written",
		zap.String("component", "artifact.writer"),
		zap.String("run_id", in.RunID),
		zap.String("dir", dir),
		zap.Int("folds", len(in.Report.Folds)),
		zap.Int("coefficients", len(in.Report.FinalFit.Coefficients)),
	)
	return written, nil
}

// writeCSV writes a header for the row type followed by rows. The header is
// written even when there are no rows.
func writeCSV[T any](out io.Writer, header T, rows []T) error {
	cw := csv.NewWriter(out)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = false
	if err := enc.EncodeHeader(header); err != nil {
		return eris.Wrap(err, "artifact: encode header")
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "artifact: encode row")
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeAtomic writes name in dir through a temp file and renames it into
// place, returning the manifest entry for the final file.
func writeAtomic(dir, name string, write func(io.Writer) error) (FileEntry, error) {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return FileEntry{}, eris.Wrapf(err, "artifact: create temp for %s", name)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	if err := write(cw); err != nil {
		cleanup()
		return FileEntry{}, eris.Wrapf(err, "artifact: write %s", name)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return FileEntry{}, eris.Wrapf(err, "artifact: sync %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return FileEntry{}, eris.Wrapf(err, "artifact: close %s", name)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return FileEntry{}, eris.Wrapf(err, "artifact: rename %s", name)
	}
	return FileEntry{Name: name, SHA256: hex.EncodeToString(h.Sum(nil)), Size: cw.n}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
