package monitoring

import (
	"fmt"
	"time"

	"github.com/sells-group/janus/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertLateRate       AlertType = "late_rate"
	AlertQuarantineRate AlertType = "quarantine_rate"
	AlertStaleIngestion AlertType = "stale_ingestion"
	AlertSchemaDrift    AlertType = "schema_drift"
)

// Alert is a threshold breach found in a health snapshot.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Health snapshot against configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(h *Health) []Alert {
	var alerts []Alert
	now := h.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	finished := h.RunsComplete + h.RunsFailed
	if finished >= 3 && h.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Run failure rate %.1f%% exceeds threshold %.1f%% (%d/%d runs failed in last %dh)",
				h.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				h.RunsFailed, finished, h.LookbackHours),
			Details: map[string]any{
				"fail_rate": h.RunFailRate,
				"failed":    h.RunsFailed,
				"complete":  h.RunsComplete,
			},
			Timestamp: now,
		})
	}

	if a.cfg.LateRateThreshold > 0 && h.LateRate > a.cfg.LateRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLateRate,
			Severity: "medium",
			Message: fmt.Sprintf("Late event rate %.1f%% exceeds threshold %.1f%%",
				h.LateRate*100, a.cfg.LateRateThreshold*100),
			Details:   map[string]any{"late_rate": h.LateRate, "late_events": h.LateEvents},
			Timestamp: now,
		})
	}

	if a.cfg.QuarantineRateThreshold > 0 && h.QuarantineRate > a.cfg.QuarantineRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineRate,
			Severity: "medium",
			Message: fmt.Sprintf("Quarantine rate %.1f%% exceeds threshold %.1f%%",
				h.QuarantineRate*100, a.cfg.QuarantineRateThreshold*100),
			Details:   map[string]any{"quarantine_rate": h.QuarantineRate},
			Timestamp: now,
		})
	}

	if a.cfg.StaleIngestionHours > 0 && h.LatestIngestion != nil {
		age := now.Sub(*h.LatestIngestion)
		if age > time.Duration(a.cfg.StaleIngestionHours)*time.Hour {
			alerts = append(alerts, Alert{
				Type:      AlertStaleIngestion,
				Severity:  "low",
				Message:   fmt.Sprintf("No ingestion for %s", age.Round(time.Minute)),
				Details:   map[string]any{"latest_ingestion": h.LatestIngestion.Format(time.RFC3339)},
				Timestamp: now,
			})
		}
	}

	var drifted []string
	for _, d := range h.Attributes {
		if !d.Fingerprinted {
			drifted = append(drifted, d.Key)
		}
	}
	if len(drifted) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertSchemaDrift,
			Severity:  "info",
			Message:   fmt.Sprintf("%d attribute key(s) stored outside the fingerprint allow-list", len(drifted)),
			Details:   map[string]any{"keys": drifted},
			Timestamp: now,
		})
	}

	return alerts
}
