package raw

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
)

// BillingRecord is one data row of a CSV billing batch. Payload is the row as
// a JSON object keyed by header so quarantined rows stay self-describing.
type BillingRecord struct {
	Index   int
	Payload []byte
	Billing model.RawBilling
	Err     error
}

// StreamBilling decodes a CSV billing batch with a header row. Index is the
// 1-based data row number. Rows with the wrong field count or bad quoting are
// sent with Err set; the stream continues.
// Both channels are closed when processing completes.
func StreamBilling(ctx context.Context, r io.Reader) (<-chan BillingRecord, <-chan error) {
	outCh := make(chan BillingRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1 // field count is checked per row
		reader.TrimLeadingSpace = true

		dec, err := csvutil.NewDecoder(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		header := dec.Header()

		for index := 1; ; index++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			var rec BillingRecord
			rec.Index = index
			err := dec.Decode(&rec.Billing)
			if errors.Is(err, io.EOF) {
				return
			}
			var parseErr *csv.ParseError
			if err != nil && !errors.Is(err, csvutil.ErrFieldCount) && !errors.As(err, &parseErr) {
				errCh <- eris.Wrapf(err, "csv: decode row %d", index)
				return
			}
			if err != nil {
				rec.Err = eris.Wrapf(err, "csv: malformed row %d", index)
			}
			rec.Payload = rowPayload(header, dec.Record())
			if parseErr != nil {
				rec.Payload = rowPayload([]string{"_parse_error"}, []string{parseErr.Error()})
			}
			trimBilling(&rec.Billing)

			select {
			case outCh <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

func rowPayload(header, record []string) []byte {
	row := make(map[string]string, len(record))
	for i, v := range record {
		key := "_extra"
		if i < len(header) {
			key = header[i]
		}
		row[key] = v
	}
	b, _ := json.Marshal(row)
	return b
}

func trimBilling(b *model.RawBilling) {
	b.BillingDate = strings.TrimSpace(b.BillingDate)
	b.UserID = strings.TrimSpace(b.UserID)
	b.Event = strings.TrimSpace(b.Event)
	b.PlanID = strings.TrimSpace(b.PlanID)
}
