package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/autoscope/model"
)

var allPhases = []model.Phase{
	model.PhaseInit, model.PhaseWaitObservability, model.PhaseAcquisition, model.PhaseScience,
	model.PhaseShutdown, model.PhaseParked, model.PhaseAborted,
}

type sessionMetrics struct {
	Phase         *prometheus.GaugeVec
	Frames        *prometheus.CounterVec
	Solves        *prometheus.CounterVec
	Corrections   prometheus.Histogram
	MirrorRecords *prometheus.CounterVec
	MirrorDrops   prometheus.Counter
	StopTriggers  *prometheus.CounterVec
}

func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	phase, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscope_session_phase",
		Help: "1 for the active session phase, 0 otherwise.",
	}, []string{"phase"}), "autoscope_session_phase")
	if err != nil {
		return nil, err
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_frames_total",
		Help: "Completed exposures, labeled by session phase.",
	}, []string{"phase"}), "autoscope_frames_total")
	if err != nil {
		return nil, err
	}

	solves, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_platesolve_total",
		Help: "Plate-solve attempts, labeled by outcome.",
	}, []string{"outcome"}), "autoscope_platesolve_total")
	if err != nil {
		return nil, err
	}

	corrections, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoscope_correction_offset_arcsec",
		Help:    "Pointing offsets applied as corrections, in arcseconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	}), "autoscope_correction_offset_arcsec")
	if err != nil {
		return nil, err
	}

	records, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_mirror_records_total",
		Help: "Mirror records processed, labeled by resulting status.",
	}, []string{"status"}), "autoscope_mirror_records_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoscope_mirror_queue_drops_total",
		Help: "Mirror events dropped because the queue was full.",
	}), "autoscope_mirror_queue_drops_total")
	if err != nil {
		return nil, err
	}

	stops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_stop_requests_total",
		Help: "Session stop requests, labeled by reason.",
	}, []string{"reason"}), "autoscope_stop_requests_total")
	if err != nil {
		return nil, err
	}

	return &sessionMetrics{
		Phase:         phase,
		Frames:        frames,
		Solves:        solves,
		Corrections:   corrections,
		MirrorRecords: records,
		MirrorDrops:   drops,
		StopTriggers:  stops,
	}, nil
}

// SetPhase marks p as the active session phase.
func (c *Collector) SetPhase(p model.Phase) {
	if c == nil || c.session == nil {
		return
	}
	for _, ph := range allPhases {
		v := 0.0
		if ph == p {
			v = 1
		}
		c.session.Phase.WithLabelValues(ph.String()).Set(v)
	}
}

// IncFrame counts a completed exposure.
func (c *Collector) IncFrame(p model.Phase) {
	if c == nil || c.session == nil {
		return
	}
	c.session.Frames.WithLabelValues(p.String()).Inc()
}

// IncSolve counts a plate-solve attempt.
func (c *Collector) IncSolve(outcome string) {
	if c == nil || c.session == nil {
		return
	}
	c.session.Solves.WithLabelValues(outcome).Inc()
}

// ObserveCorrection records an applied pointing correction.
func (c *Collector) ObserveCorrection(offsetArcsec float64) {
	if c == nil || c.session == nil {
		return
	}
	c.session.Corrections.Observe(offsetArcsec)
}

// IncMirrorRecord counts a mirror record status change.
func (c *Collector) IncMirrorRecord(status string) {
	if c == nil || c.session == nil {
		return
	}
	c.session.MirrorRecords.WithLabelValues(status).Inc()
}

// IncMirrorDrop counts an event dropped from the mirror queue.
func (c *Collector) IncMirrorDrop() {
	if c == nil || c.session == nil {
		return
	}
	c.session.MirrorDrops.Inc()
}

// IncStop counts a stop request.
func (c *Collector) IncStop(reason string) {
	if c == nil || c.session == nil {
		return
	}
	c.session.StopTriggers.WithLabelValues(reason).Inc()
}
