package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// Validate reports every problem in the snapshot at once.
func (s Snapshot) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	o := s.Observatory
	if math.Abs(o.LatitudeDeg) > 90 {
		add("observatory.latitude %v out of range [-90, 90]", o.LatitudeDeg)
	}
	if math.Abs(o.LongitudeDeg) > 180 {
		add("observatory.longitude %v out of range [-180, 180]", o.LongitudeDeg)
	}
	if o.MinAltitudeDeg < 0 || o.MinAltitudeDeg >= 90 {
		add("observatory.min_altitude %v out of range [0, 90)", o.MinAltitudeDeg)
	}
	if o.TwilightAltitudeDeg > 0 || o.TwilightAltitudeDeg < -90 {
		add("observatory.twilight_altitude %v out of range [-90, 0]", o.TwilightAltitudeDeg)
	}

	d := s.Devices
	if u, err := url.Parse(d.Alpaca.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("devices.alpaca.base_url %q is not an absolute URL", d.Alpaca.BaseURL)
	}
	if d.MaxAttempts == 0 {
		add("devices.max_attempts must be at least 1")
	}
	for name, v := range map[string]float64{
		"devices.call_timeout":  d.CallTimeout.Seconds(),
		"devices.poll_interval": d.PollInterval.Seconds(),
		"devices.slew_timeout":  d.SlewTimeout.Seconds(),
		"devices.park_timeout":  d.ParkTimeout.Seconds(),
	} {
		if v <= 0 {
			add("%s must be positive", name)
		}
	}

	e := s.Exposures
	if e.MinSeconds <= 0 || e.MaxSeconds < e.MinSeconds {
		add("exposures.min/max invalid: %v..%v", e.MinSeconds, e.MaxSeconds)
	}
	for i, r := range e.MagnitudeRanges {
		if r.Max <= r.Min || r.Seconds <= 0 {
			add("exposures.magnitude_ranges[%d] invalid: %+v", i, r)
		}
	}
	for k, v := range e.FilterScaling {
		if v <= 0 {
			add("exposures.filter_scaling.%s must be positive", k)
		}
	}

	for _, c := range []struct {
		name string
		cfg  Corrector
	}{{"photometry", s.Platesolve.Photometry}, {"spectroscopy", s.Platesolve.Spectroscopy}} {
		if err := c.cfg.validate(); err != nil {
			add("platesolve.%s: %w", c.name, err)
		}
	}
	if s.Platesolve.SolveTimeout <= 0 {
		add("platesolve.solve_timeout must be positive")
	}

	m := s.Mirror
	switch strings.ToLower(m.Source) {
	case "file", "log":
	default:
		add("mirror.source %q must be file or log", m.Source)
	}
	if m.PollInterval <= 0 {
		add("mirror.poll_interval must be positive")
	}
	if m.QueueSize <= 0 {
		add("mirror.queue_size must be positive")
	}

	if s.Session.WaitInterval <= 0 {
		add("session.wait_interval must be positive")
	}
	if s.Session.MaxConsecutiveFailures <= 0 {
		add("session.max_consecutive_failures must be positive")
	}

	if r := s.Telemetry.Tracing.SampleRatio; r < 0 || r > 1 {
		add("telemetry.tracing.sample_ratio %v out of range [0, 1]", r)
	}

	return errors.Join(errs...)
}

func (c Corrector) validate() error {
	switch {
	case c.ThresholdArcsec <= 0:
		return fmt.Errorf("threshold_arcsec must be positive")
	case c.CorrectionInterval < 1:
		return fmt.Errorf("correction_interval must be at least 1")
	case c.MinExposure <= 0 || c.MaxExposure < c.MinExposure:
		return fmt.Errorf("min_exposure/max_exposure invalid: %v..%v", c.MinExposure, c.MaxExposure)
	case c.IncreaseFactor <= 1:
		return fmt.Errorf("increase_factor must exceed 1")
	case c.RetriesPerLevel < 1:
		return fmt.Errorf("retries_per_level must be at least 1")
	case c.ScaleFactor <= 0 || c.LargeOffsetScale <= 0:
		return fmt.Errorf("scale factors must be positive")
	}
	return nil
}
