package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus instruments for the attendance engine.
// Tenant ids are never used as labels.
type Collectors struct {
	EventsRecorded    *prometheus.CounterVec
	AttemptsRejected  *prometheus.CounterVec
	DetectionDuration prometheus.Histogram
	AlertsDetected    *prometheus.CounterVec
	LiveViews         prometheus.Gauge
}

// NewCollectors registers all instruments on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencewatch_events_recorded_total",
			Help: "Attendance events appended to the log",
		}, []string{"event_type", "status"}),
		AttemptsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencewatch_attempts_rejected_total",
			Help: "Check-in/out attempts that did not produce an event, by reason",
		}, []string{"reason"}),
		DetectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presencewatch_pattern_detection_duration_seconds",
			Help:    "Duration of a pattern detection pass over one tenant",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		AlertsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencewatch_pattern_alerts_total",
			Help: "Pattern alerts produced by detection passes",
		}, []string{"pattern_type"}),
		LiveViews: f.NewGauge(prometheus.GaugeOpts{
			Name: "presencewatch_live_views",
			Help: "Tenants with an open live dashboard subscription",
		}),
	}
}

func (c *Collectors) IncRecorded(eventType, status string) {
	if c == nil {
		return
	}
	if status == "" {
		status = "none"
	}
	c.EventsRecorded.WithLabelValues(eventType, status).Inc()
}

func (c *Collectors) IncRejected(reason string) {
	if c == nil {
		return
	}
	c.AttemptsRejected.WithLabelValues(reason).Inc()
}

// ObserveDetection records a detection pass. Call with time.Now() taken at
// the start of the pass.
func (c *Collectors) ObserveDetection(start time.Time, alertsByType map[string]int) {
	if c == nil {
		return
	}
	c.DetectionDuration.Observe(time.Since(start).Seconds())
	for patternType, n := range alertsByType {
		c.AlertsDetected.WithLabelValues(patternType).Add(float64(n))
	}
}

func (c *Collectors) SetLiveViews(n int) {
	if c == nil {
		return
	}
	c.LiveViews.Set(float64(n))
}
