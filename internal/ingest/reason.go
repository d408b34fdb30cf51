// Package ingest is the idempotent loader: it validates raw records, computes
// content fingerprints and lateness, and commits each raw batch atomically.
package ingest

// RejectReason is the quarantine code of a malformed raw record.
type RejectReason string

const (
	ReasonMalformedJSON      RejectReason = "malformed_json"
	ReasonMalformedRow       RejectReason = "malformed_row"
	ReasonLineTooLong        RejectReason = "line_too_long"
	ReasonMissingEventID     RejectReason = "missing_event_id"
	ReasonMissingEventTS     RejectReason = "missing_event_ts"
	ReasonMissingReceivedTS  RejectReason = "missing_received_ts"
	ReasonMissingEventType   RejectReason = "missing_event_type"
	ReasonInvalidTimestamp   RejectReason = "invalid_timestamp"
	ReasonMissingBillingDate RejectReason = "missing_billing_date"
	ReasonInvalidBillingDate RejectReason = "invalid_billing_date"
	ReasonMissingUserID      RejectReason = "missing_user_id"
	ReasonMissingEvent       RejectReason = "missing_event"
	ReasonInvalidEvent       RejectReason = "invalid_event"
	ReasonMissingPlanID      RejectReason = "missing_plan_id"
)
