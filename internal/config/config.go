// Package config holds the immutable configuration snapshot built once at
// session start and passed explicitly to every component.
package config

import (
	"strings"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

// Snapshot is the complete, validated configuration for one process run.
type Snapshot struct {
	Observatory Observatory `mapstructure:"observatory"`
	Devices     Devices     `mapstructure:"devices"`
	Exposures   Exposures   `mapstructure:"exposures"`
	Platesolve  Platesolve  `mapstructure:"platesolve"`
	Mirror      Mirror      `mapstructure:"mirror"`
	Session     Session     `mapstructure:"session"`
	Paths       Paths       `mapstructure:"paths"`
	Telemetry   Telemetry   `mapstructure:"telemetry"`
}

// Observatory describes the site and its observability limits.
type Observatory struct {
	Name                string  `mapstructure:"name"`
	LatitudeDeg         float64 `mapstructure:"latitude"`
	LongitudeDeg        float64 `mapstructure:"longitude"`
	ElevationM          float64 `mapstructure:"elevation"`
	MinAltitudeDeg      float64 `mapstructure:"min_altitude"`
	TwilightAltitudeDeg float64 `mapstructure:"twilight_altitude"`
}

// Devices configures the Alpaca endpoints and the uniform call policy.
type Devices struct {
	Alpaca      Alpaca      `mapstructure:"alpaca"`
	Telescope   Endpoint    `mapstructure:"telescope"`
	Camera      Camera      `mapstructure:"camera"`
	FilterWheel FilterWheel `mapstructure:"filterwheel"`
	Rotator     Rotator     `mapstructure:"rotator"`
	Cover       Endpoint    `mapstructure:"cover"`

	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxAttempts    uint          `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`

	SlewTimeout    time.Duration `mapstructure:"slew_timeout"`
	SettleTime     time.Duration `mapstructure:"settle_time"`
	ReadoutTimeout time.Duration `mapstructure:"readout_timeout"`
	ParkTimeout    time.Duration `mapstructure:"park_timeout"`
	CoverTimeout   time.Duration `mapstructure:"cover_timeout"`
	RotatorTimeout time.Duration `mapstructure:"rotator_timeout"`
	FilterTimeout  time.Duration `mapstructure:"filter_timeout"`
}

// Alpaca is the shared HTTP endpoint of the device server.
type Alpaca struct {
	BaseURL  string `mapstructure:"base_url"`
	ClientID uint32 `mapstructure:"client_id"`
}

// Endpoint selects one Alpaca device number. Enabled is ignored for the
// telescope, which is mandatory.
type Endpoint struct {
	Enabled bool `mapstructure:"enabled"`
	Number  int  `mapstructure:"number"`
}

// Camera configures the science camera.
type Camera struct {
	Number       int  `mapstructure:"number"`
	ManageCooler bool `mapstructure:"manage_cooler"`
}

// FilterWheel configures the optional filter wheel. Filters maps filter
// codes (C, B, G, ...) to wheel slot names.
type FilterWheel struct {
	Enabled bool              `mapstructure:"enabled"`
	Number  int               `mapstructure:"number"`
	Filters map[string]string `mapstructure:"filters"`
}

// Rotator configures the optional field rotator.
type Rotator struct {
	Enabled      bool     `mapstructure:"enabled"`
	Number       int      `mapstructure:"number"`
	InitialAngle *float64 `mapstructure:"initial_angle"`
}

// MagnitudeRange maps a magnitude band [Min, Max) to a base exposure.
type MagnitudeRange struct {
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
	Seconds float64 `mapstructure:"exposure"`
}

// Exposures configures the exposure planner.
type Exposures struct {
	DefaultFilter   string             `mapstructure:"default_filter"`
	Fixed           map[string]float64 `mapstructure:"fixed"`
	DefaultSeconds  float64            `mapstructure:"default_exposure"`
	MagnitudeRanges []MagnitudeRange   `mapstructure:"magnitude_ranges"`
	FilterScaling   map[string]float64 `mapstructure:"filter_scaling"`
	MinSeconds      float64            `mapstructure:"min"`
	MaxSeconds      float64            `mapstructure:"max"`
}

// FixedFor returns the configured fixed exposure for mode, if any.
func (e Exposures) FixedFor(mode model.Mode) (float64, bool) {
	v, ok := e.Fixed[mode.String()]
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// ScaleFor returns the scaling factor for a filter name, matching keys
// case-insensitively. Unknown filters scale by 1.
func (e Exposures) ScaleFor(filterName string) float64 {
	for k, v := range e.FilterScaling {
		if strings.EqualFold(k, filterName) {
			return v
		}
	}
	return 1.0
}

// Corrector configures the plate-solve correction loop for one mode.
type Corrector struct {
	ThresholdArcsec     float64 `mapstructure:"threshold_arcsec"`
	MinCorrectionArcsec float64 `mapstructure:"min_correction_arcsec"`
	LargeOffsetArcsec   float64 `mapstructure:"large_offset_arcsec"`
	LargeOffsetScale    float64 `mapstructure:"large_offset_scale"`
	ScaleFactor         float64 `mapstructure:"scale_factor"`
	CorrectionInterval  int     `mapstructure:"correction_interval"`

	AcquisitionExposure           float64 `mapstructure:"acquisition_exposure"`
	MinExposure                   float64 `mapstructure:"min_exposure"`
	MaxExposure                   float64 `mapstructure:"max_exposure"`
	RetriesPerLevel               int     `mapstructure:"retries_per_level"`
	IncreaseFactor                float64 `mapstructure:"increase_factor"`
	ScienceFailuresBeforeAdaptive int     `mapstructure:"science_failures_before_adaptive"`
	BrightStarCount               int     `mapstructure:"bright_star_count"`
	MaxAcquisitionFrames          int     `mapstructure:"max_acquisition_frames"`

	ApplyRotation  bool    `mapstructure:"apply_rotation"`
	RotatorScale   float64 `mapstructure:"rotator_scale"`
	MaxRotationDeg float64 `mapstructure:"max_rotation_deg"`
	MinRotationDeg float64 `mapstructure:"min_rotation_deg"`
}

// Platesolve configures the solver handoff and per-mode correctors.
type Platesolve struct {
	SolverOutput string        `mapstructure:"solver_output"`
	MaxFileAge   time.Duration `mapstructure:"max_file_age"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Photometry   Corrector `mapstructure:"photometry"`
	Spectroscopy Corrector `mapstructure:"spectroscopy"`
}

// CorrectorFor returns the corrector settings used by mode.
func (p Platesolve) CorrectorFor(mode model.Mode) Corrector {
	if mode == model.ModeSpectroscopy {
		return p.Spectroscopy
	}
	return p.Photometry
}

// Mirror configures mirror mode.
type Mirror struct {
	Source           string        `mapstructure:"source"` // file | log
	StateFile        string        `mapstructure:"state_file"`
	LogFile          string        `mapstructure:"log_file"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
	TargetDuration   time.Duration `mapstructure:"target_duration"`
	DefaultMagnitude float64       `mapstructure:"default_magnitude"`
}

// Session configures orchestrator-wide behaviour.
type Session struct {
	Mode                      string        `mapstructure:"mode"`
	WaitInterval              time.Duration `mapstructure:"wait_interval"`
	MaxWait                   time.Duration `mapstructure:"max_wait"`
	AbortExposureOnUrgentStop bool          `mapstructure:"abort_exposure_on_urgent_stop"`
	MaxConsecutiveFailures    int           `mapstructure:"max_consecutive_failures"`
}

// Paths lists the files the session writes or reads.
type Paths struct {
	TargetJSON string `mapstructure:"target_json"`
	JournalDB  string `mapstructure:"journal_db"`
	ImageDir   string `mapstructure:"image_dir"`
	Catalog    string `mapstructure:"catalog"`
	LogFile    string `mapstructure:"log_file"`
}

// Telemetry configures the status endpoint and tracing.
type Telemetry struct {
	StatusAddr  string  `mapstructure:"status_addr"`
	MetricsAddr string  `mapstructure:"metrics_addr"`
	Tracing     Tracing `mapstructure:"tracing"`
}

// Tracing mirrors observability.TracingConfig.
type Tracing struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}
