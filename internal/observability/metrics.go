package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/autoscope/model"
)

// Collector bundles the Prometheus metrics of one autoscope process. It
// satisfies the metrics hooks of the device controller, the plate-solve
// corrector, the mirror engine and the session orchestrator.
type Collector struct {
	gatherer prometheus.Gatherer

	DeviceCalls     *prometheus.CounterVec
	DeviceDurations *prometheus.HistogramVec
	DeviceRetries   *prometheus.CounterVec
	DeviceState     *prometheus.GaugeVec

	RPCRequests *prometheus.CounterVec

	session *sessionMetrics
}

// NewCollector registers metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	calls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_device_calls_total",
		Help: "Device commands issued, labeled by device kind, operation and outcome.",
	}, []string{"device", "op", "outcome"}), "autoscope_device_calls_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autoscope_device_call_duration_seconds",
		Help:    "Device command latency in seconds, including retries.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"device", "op"}), "autoscope_device_call_duration_seconds")
	if err != nil {
		return nil, err
	}

	retries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_device_retries_total",
		Help: "Retried device command attempts.",
	}, []string{"device", "op"}), "autoscope_device_retries_total")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscope_device_state",
		Help: "Current device state (0 disconnected, 1 idle, 2 busy, 3 error).",
	}, []string{"device"}), "autoscope_device_state")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscope_status_requests_total",
		Help: "Status endpoint RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "autoscope_status_requests_total")
	if err != nil {
		return nil, err
	}

	sess, err := newSessionMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		DeviceCalls:     calls,
		DeviceDurations: durations,
		DeviceRetries:   retries,
		DeviceState:     state,
		RPCRequests:     requests,
		session:         sess,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveDeviceCall records one completed device command.
func (c *Collector) ObserveDeviceCall(kind model.DeviceKind, op, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.DeviceCalls.WithLabelValues(string(kind), op, outcome).Inc()
	c.DeviceDurations.WithLabelValues(string(kind), op).Observe(seconds)
}

// IncDeviceRetry counts a retried attempt.
func (c *Collector) IncDeviceRetry(kind model.DeviceKind, op string) {
	if c == nil {
		return
	}
	c.DeviceRetries.WithLabelValues(string(kind), op).Inc()
}

// SetDeviceState updates the device state gauge.
func (c *Collector) SetDeviceState(kind model.DeviceKind, state model.DeviceState) {
	if c == nil {
		return
	}
	c.DeviceState.WithLabelValues(string(kind)).Set(float64(state))
}

// UnaryServerInterceptor records request counts for unary RPCs on the
// status endpoint.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, vec, name)
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	return register(reg, gauge, name)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	return register(reg, counter, name)
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	return register(reg, hist, name)
}
