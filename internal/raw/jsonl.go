package raw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
)

const (
	maxLineBytes = 4 << 20
	// payloadPrefixBytes is how much of an oversized line is kept for quarantine.
	payloadPrefixBytes = 1 << 10
)

// ErrLineTooLong marks a JSONL line longer than the reader accepts.
var ErrLineTooLong = eris.New("jsonl: line too long")

// EventRecord is one line of a JSONL event batch. Err is set when the line is
// not a JSON object of the expected shape; Payload is the raw line, cut to a
// prefix when the line is oversized.
type EventRecord struct {
	Index   int
	Payload []byte
	Event   model.RawEvent
	Err     error
}

// StreamEvents decodes a JSONL batch line by line, sending each non-blank line
// as an EventRecord. Index is the 1-based line number. A malformed or oversized
// line does not stop the stream; only read failures and cancellation do.
// Both channels are closed when processing completes.
func StreamEvents(ctx context.Context, r io.Reader) (<-chan EventRecord, <-chan error) {
	outCh := make(chan EventRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		br := bufio.NewReaderSize(r, 64*1024)
		line := 0
		for {
			buf, tooLong, readErr := readLine(br, maxLineBytes)
			if readErr != nil && readErr != io.EOF {
				errCh <- eris.Wrap(readErr, "jsonl: read line")
				return
			}
			if len(buf) == 0 && readErr == io.EOF {
				return
			}
			line++
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "jsonl: context cancelled")
				return
			}

			text := bytes.TrimSpace(buf)
			if len(text) > 0 {
				rec := EventRecord{Index: line}
				if tooLong {
					rec.Payload = append([]byte(nil), text[:min(len(text), payloadPrefixBytes)]...)
					rec.Err = eris.Wrapf(ErrLineTooLong, "jsonl: line %d exceeds %d bytes", line, maxLineBytes)
				} else {
					rec.Payload = append([]byte(nil), text...)
					if err := json.Unmarshal(rec.Payload, &rec.Event); err != nil {
						rec.Err = eris.Wrapf(err, "jsonl: decode line %d", line)
					}
				}

				select {
				case outCh <- rec:
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "jsonl: context cancelled")
					return
				}
			}
			if readErr == io.EOF {
				return
			}
		}
	}()

	return outCh, errCh
}

// readLine returns the next line including its terminator. A line longer
// than limit is read to its end, and only its first limit bytes are returned.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				line = append(line, chunk[:limit-len(line)]...)
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}
