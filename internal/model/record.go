package model

import "time"

// RecordKind distinguishes the two raw record families.
type RecordKind string

const (
	KindEvent   RecordKind = "event"
	KindBilling RecordKind = "billing"
)

// BillingKind is the billing event type.
type BillingKind string

const (
	BillingStart   BillingKind = "start"
	BillingUpgrade BillingKind = "upgrade"
	BillingCancel  BillingKind = "cancel"
)

// Valid reports whether k is a recognised billing event kind.
func (k BillingKind) Valid() bool {
	switch k {
	case BillingStart, BillingUpgrade, BillingCancel:
		return true
	default:
		return false
	}
}

// Activates reports whether the event starts or continues a subscription.
func (k BillingKind) Activates() bool {
	return k == BillingStart || k == BillingUpgrade
}

// RawEvent is a behavioral event as it appears in a raw JSONL batch.
// Timestamps stay strings here; parsing happens in the loader so that
// a bad value becomes a counted rejection instead of a decode failure.
type RawEvent struct {
	EventID    string         `json:"event_id"`
	EventTS    string         `json:"event_ts"`
	ReceivedTS string         `json:"received_ts"`
	UserID     string         `json:"user_id"`
	DeviceID   string         `json:"device_id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	Props      map[string]any `json:"props"`
}

// RawBilling is a billing row as it appears in a raw CSV batch.
type RawBilling struct {
	BillingDate string `json:"billing_date" csv:"billing_date"`
	UserID      string `json:"user_id" csv:"user_id"`
	Event       string `json:"event" csv:"event"`
	PlanID      string `json:"plan_id" csv:"plan_id"`
}

// CanonicalEvent is a deduplicated event row. Business fields are immutable;
// only LastSeenAt changes when the same fingerprint is ingested again.
type CanonicalEvent struct {
	Fingerprint     string         `json:"fingerprint"`
	EventID         string         `json:"event_id"`
	EventTS         time.Time      `json:"event_ts"`
	ReceivedTS      time.Time      `json:"received_ts"`
	UserID          string         `json:"user_id,omitempty"`
	DeviceID        string         `json:"device_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	EventType       string         `json:"event_type"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	IsLate          bool           `json:"is_late"`
	LatenessSeconds int64          `json:"lateness_seconds"`
	BatchID         string         `json:"batch_id"`
	IngestedAt      time.Time      `json:"ingested_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
}

// Day returns the calendar day of the event timestamp.
func (e CanonicalEvent) Day() Day {
	return DayOf(e.EventTS)
}

// CanonicalBilling is a deduplicated billing row. PlanID is empty when absent.
type CanonicalBilling struct {
	Fingerprint string      `json:"fingerprint"`
	BillingDate Day         `json:"billing_date"`
	UserID      string      `json:"user_id"`
	Kind        BillingKind `json:"kind"`
	PlanID      string      `json:"plan_id,omitempty"`
	BatchID     string      `json:"batch_id"`
	IngestedAt  time.Time   `json:"ingested_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// Rejection is a quarantined raw record.
type Rejection struct {
	BatchID string     `json:"batch_id"`
	Index   int        `json:"index"`
	Kind    RecordKind `json:"kind"`
	Reason  string     `json:"reason"`
	Detail  string     `json:"detail,omitempty"`
	Payload []byte     `json:"payload"`
}

// EventBatch is everything the loader commits for one raw event batch.
type EventBatch struct {
	BatchID    string
	SeenAt     time.Time
	Events     []CanonicalEvent
	Rejections []Rejection
}

// BillingBatch is everything the loader commits for one raw billing batch.
type BillingBatch struct {
	BatchID    string
	SeenAt     time.Time
	Records    []CanonicalBilling
	Rejections []Rejection
}

// CommitResult reports what a batch commit changed.
type CommitResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Add accumulates another result into r.
func (r *CommitResult) Add(o CommitResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Rejected += o.Rejected
}
