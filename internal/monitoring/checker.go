package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/janus/internal/config"
)

// healthGauges expose the latest health snapshot for scraping.
type healthGauges struct {
	tableRows      *prometheus.GaugeVec
	lateRate       prometheus.Gauge
	quarantineRate prometheus.Gauge
	runFailRate    prometheus.Gauge
	alerts         *prometheus.GaugeVec
}

func newHealthGauges(reg prometheus.Registerer) *healthGauges {
	g := &healthGauges{
		tableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "table_rows",
			Help:      "Row count per store table",
		}, []string{"table"}),
		lateRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "late_event_rate",
			Help:      "Fraction of canonical events flagged late",
		}),
		quarantineRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "quarantine_rate",
			Help:      "Fraction of raw records quarantined",
		}),
		runFailRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "fail_rate",
			Help:      "Failed share of finished runs in the lookback window",
		}),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Alerts raised by the last health check",
		}, []string{"type"}),
	}
	reg.MustRegister(g.tableRows, g.lateRate, g.quarantineRate, g.runFailRate, g.alerts)
	return g
}

func (g *healthGauges) set(h *Health, alerts []Alert) {
	for table, n := range h.Tables {
		g.tableRows.WithLabelValues(table).Set(float64(n))
	}
	g.lateRate.Set(h.LateRate)
	g.quarantineRate.Set(h.QuarantineRate)
	g.runFailRate.Set(h.RunFailRate)

	g.alerts.Reset()
	for _, a := range alerts {
		g.alerts.WithLabelValues(string(a.Type)).Inc()
	}
}

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	gauges    *healthGauges
}

// NewChecker creates a background health checker whose gauges are
// registered on reg.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, reg prometheus.Registerer) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		gauges:    newHealthGauges(reg),
	}
}

// Run checks once immediately, then on every interval. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.Check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot, updates gauges and logs raised alerts.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	h, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect health", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(h)
	c.gauges.set(h, alerts)

	for _, a := range alerts {
		log.Warn("monitoring: alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	log.Debug("monitoring: health check complete", zap.Int("alerts", len(alerts)))
	return alerts
}
