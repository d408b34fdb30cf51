package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/janus/internal/model"
)

// Fingerprinter hashes the business fields of canonical records. Attribute
// keys outside the allow-list never participate, so newly appearing keys do
// not turn a re-delivered record into a new one.
type Fingerprinter struct {
	allow map[string]bool
}

// NewFingerprinter creates a Fingerprinter over the given attribute allow-list.
func NewFingerprinter(attributes []string) *Fingerprinter {
	allow := make(map[string]bool, len(attributes))
	for _, k := range attributes {
		allow[norm.NFC.String(k)] = true
	}
	return &Fingerprinter{allow: allow}
}

// Event fingerprints an event's identity, timestamps, actor and type fields
// plus its allow-listed attributes.
func (f *Fingerprinter) Event(e *model.CanonicalEvent) (string, error) {
	fields := map[string]any{
		"kind":        string(model.KindEvent),
		"event_id":    e.EventID,
		"event_ts":    e.EventTS.UTC().Format(time.RFC3339Nano),
		"received_ts": e.ReceivedTS.UTC().Format(time.RFC3339Nano),
		"user_id":     e.UserID,
		"device_id":   e.DeviceID,
		"session_id":  e.SessionID,
		"event_type":  e.EventType,
	}
	if len(f.allow) > 0 {
		attrs := make(map[string]any)
		for k, v := range e.Attributes {
			if f.allow[norm.NFC.String(k)] {
				attrs[k] = v
			}
		}
		fields["attributes"] = attrs
	}
	return digest(fields)
}

// Billing fingerprints a billing record's date, user, kind and plan.
func (f *Fingerprinter) Billing(b *model.CanonicalBilling) (string, error) {
	return digest(map[string]any{
		"kind":         string(model.KindBilling),
		"billing_date": b.BillingDate.String(),
		"user_id":      b.UserID,
		"event":        string(b.Kind),
		"plan_id":      b.PlanID,
	})
}

// digest is sha256 over compact JSON with sorted keys and NFC-normalized
// strings, so key order and Unicode composition never change the hash.
func digest(fields map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(fields)); err != nil {
		return "", eris.Wrap(err, "ingest: encode fingerprint fields")
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
