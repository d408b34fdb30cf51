package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/raw"
)

// timestampLayouts are tried in order; zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Parser turns raw records into canonical records or rejections.
type Parser struct {
	fp       *Fingerprinter
	lateness LatenessPolicy
}

// NewParser creates a Parser.
func NewParser(fp *Fingerprinter, lateness LatenessPolicy) *Parser {
	return &Parser{fp: fp, lateness: lateness}
}

// Event validates one raw event line. Exactly one of the results is non-nil.
// Events without a user id are kept: they count toward nothing user-scoped
// but remain part of the canonical record.
func (p *Parser) Event(batchID string, rec raw.EventRecord, seenAt time.Time) (*model.CanonicalEvent, *model.Rejection) {
	reject := func(reason RejectReason, detail string) (*model.CanonicalEvent, *model.Rejection) {
		return nil, &model.Rejection{
			BatchID: batchID,
			Index:   rec.Index,
			Kind:    model.KindEvent,
			Reason:  string(reason),
			Detail:  detail,
			Payload: rec.Payload,
		}
	}

	if errors.Is(rec.Err, raw.ErrLineTooLong) {
		return reject(ReasonLineTooLong, rec.Err.Error())
	}
	if rec.Err != nil {
		return reject(ReasonMalformedJSON, rec.Err.Error())
	}

	r := rec.Event
	eventID := strings.TrimSpace(r.EventID)
	eventTS := strings.TrimSpace(r.EventTS)
	receivedTS := strings.TrimSpace(r.ReceivedTS)
	eventType := strings.TrimSpace(r.EventType)

	switch {
	case eventID == "":
		return reject(ReasonMissingEventID, "")
	case eventTS == "":
		return reject(ReasonMissingEventTS, "")
	case receivedTS == "":
		return reject(ReasonMissingReceivedTS, "")
	case eventType == "":
		return reject(ReasonMissingEventType, "")
	}

	occurred, ok := parseTimestamp(eventTS)
	if !ok {
		return reject(ReasonInvalidTimestamp, "event_ts="+eventTS)
	}
	received, ok := parseTimestamp(receivedTS)
	if !ok {
		return reject(ReasonInvalidTimestamp, "received_ts="+receivedTS)
	}

	e := &model.CanonicalEvent{
		EventID:    eventID,
		EventTS:    occurred,
		ReceivedTS: received,
		UserID:     strings.TrimSpace(r.UserID),
		DeviceID:   strings.TrimSpace(r.DeviceID),
		SessionID:  strings.TrimSpace(r.SessionID),
		EventType:  eventType,
		Attributes: r.Props,
		BatchID:    batchID,
		IngestedAt: seenAt,
		LastSeenAt: seenAt,
	}
	e.IsLate, e.LatenessSeconds = p.lateness.Tag(occurred, received)

	fp, err := p.fp.Event(e)
	if err != nil {
		return reject(ReasonMalformedJSON, err.Error())
	}
	e.Fingerprint = fp
	return e, nil
}

// Billing validates one raw billing row. Exactly one of the results is non-nil.
func (p *Parser) Billing(batchID string, rec raw.BillingRecord, seenAt time.Time) (*model.CanonicalBilling, *model.Rejection) {
	reject := func(reason RejectReason, detail string) (*model.CanonicalBilling, *model.Rejection) {
		return nil, &model.Rejection{
			BatchID: batchID,
			Index:   rec.Index,
			Kind:    model.KindBilling,
			Reason:  string(reason),
			Detail:  detail,
			Payload: rec.Payload,
		}
	}

	if rec.Err != nil {
		return reject(ReasonMalformedRow, rec.Err.Error())
	}

	r := rec.Billing
	if r.BillingDate == "" {
		return reject(ReasonMissingBillingDate, "")
	}
	date, err := model.ParseDay(r.BillingDate)
	if err != nil {
		ts, ok := parseTimestamp(r.BillingDate)
		if !ok {
			return reject(ReasonInvalidBillingDate, "billing_date="+r.BillingDate)
		}
		date = model.DayOf(ts)
	}
	if r.UserID == "" {
		return reject(ReasonMissingUserID, "")
	}
	if r.Event == "" {
		return reject(ReasonMissingEvent, "")
	}
	kind := model.BillingKind(strings.ToLower(r.Event))
	if !kind.Valid() {
		return reject(ReasonInvalidEvent, "event="+r.Event)
	}
	if kind.Activates() && r.PlanID == "" {
		return reject(ReasonMissingPlanID, "event="+string(kind))
	}

	b := &model.CanonicalBilling{
		BillingDate: date,
		UserID:      r.UserID,
		Kind:        kind,
		PlanID:      r.PlanID,
		BatchID:     batchID,
		IngestedAt:  seenAt,
		LastSeenAt:  seenAt,
	}
	fp, err := p.fp.Billing(b)
	if err != nil {
		return reject(ReasonMalformedRow, err.Error())
	}
	b.Fingerprint = fp
	return b, nil
}
