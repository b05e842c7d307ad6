package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// AUTOSCOPE_OBSERVATORY_LATITUDE.
const EnvPrefix = "AUTOSCOPE"

// NewViper returns a viper instance with defaults, environment overrides and
// the config search path set up. An empty configFile searches ./config and
// ~/.config/autoscope for autoscope.yaml.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("autoscope")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "autoscope"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file (if one exists), decodes it into a Snapshot and
// validates it. A missing file on the search path is not an error; a missing
// explicit file is.
func Load(v *viper.Viper) (Snapshot, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Snapshot{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode converts the current viper state into a validated Snapshot.
func Decode(v *viper.Viper) (Snapshot, error) {
	var snap Snapshot
	if err := v.Unmarshal(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode config: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Default returns the validated built-in configuration.
func Default() Snapshot {
	v := viper.New()
	SetDefaults(v)
	snap, err := Decode(v)
	if err != nil {
		panic(fmt.Sprintf("built-in config defaults invalid: %v", err))
	}
	return snap
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("observatory.name", "autoscope")
	v.SetDefault("observatory.latitude", 28.7606)
	v.SetDefault("observatory.longitude", -17.8792)
	v.SetDefault("observatory.elevation", 2396.0)
	v.SetDefault("observatory.min_altitude", 30.0)
	v.SetDefault("observatory.twilight_altitude", -12.0)

	v.SetDefault("devices.alpaca.base_url", "http://localhost:11111")
	v.SetDefault("devices.alpaca.client_id", 1)
	v.SetDefault("devices.telescope.number", 0)
	v.SetDefault("devices.camera.number", 0)
	v.SetDefault("devices.camera.manage_cooler", false)
	v.SetDefault("devices.filterwheel.enabled", false)
	v.SetDefault("devices.filterwheel.number", 0)
	v.SetDefault("devices.rotator.enabled", false)
	v.SetDefault("devices.rotator.number", 0)
	v.SetDefault("devices.cover.enabled", false)
	v.SetDefault("devices.cover.number", 0)
	v.SetDefault("devices.call_timeout", 10*time.Second)
	v.SetDefault("devices.max_attempts", 3)
	v.SetDefault("devices.initial_backoff", 500*time.Millisecond)
	v.SetDefault("devices.max_backoff", 5*time.Second)
	v.SetDefault("devices.poll_interval", time.Second)
	v.SetDefault("devices.slew_timeout", 3*time.Minute)
	v.SetDefault("devices.settle_time", 2*time.Second)
	v.SetDefault("devices.readout_timeout", time.Minute)
	v.SetDefault("devices.park_timeout", 3*time.Minute)
	v.SetDefault("devices.cover_timeout", time.Minute)
	v.SetDefault("devices.rotator_timeout", 2*time.Minute)
	v.SetDefault("devices.filter_timeout", 30*time.Second)

	v.SetDefault("exposures.default_filter", "C")
	v.SetDefault("exposures.fixed", map[string]any{})
	v.SetDefault("exposures.default_exposure", 5.0)
	v.SetDefault("exposures.magnitude_ranges", []map[string]any{
		{"min": -5.0, "max": 8.0, "exposure": 2.0},
		{"min": 8.0, "max": 10.0, "exposure": 5.0},
		{"min": 10.0, "max": 12.0, "exposure": 15.0},
		{"min": 12.0, "max": 14.0, "exposure": 45.0},
		{"min": 14.0, "max": 16.0, "exposure": 120.0},
		{"min": 16.0, "max": 30.0, "exposure": 300.0},
	})
	v.SetDefault("exposures.filter_scaling", map[string]any{
		"Clear": 1.0, "B": 2.0, "V": 1.5, "R": 1.2, "Lum": 1.0, "I": 1.5, "Ha": 6.0,
	})
	v.SetDefault("exposures.min", 1.0)
	v.SetDefault("exposures.max", 300.0)

	v.SetDefault("platesolve.solver_output", filepath.Join(os.TempDir(), "autoscope", "solver.json"))
	v.SetDefault("platesolve.max_file_age", 200*time.Second)
	v.SetDefault("platesolve.solve_timeout", 90*time.Second)
	v.SetDefault("platesolve.poll_interval", 2*time.Second)
	setCorrectorDefaults(v, "platesolve.photometry", 2.0)
	setCorrectorDefaults(v, "platesolve.spectroscopy", 1.0)

	v.SetDefault("mirror.source", "file")
	v.SetDefault("mirror.state_file", "")
	v.SetDefault("mirror.log_file", "")
	v.SetDefault("mirror.poll_interval", 10*time.Second)
	v.SetDefault("mirror.queue_size", 16)
	v.SetDefault("mirror.target_duration", time.Hour)
	v.SetDefault("mirror.default_magnitude", 12.0)

	v.SetDefault("session.mode", "photometry")
	v.SetDefault("session.wait_interval", 60*time.Second)
	v.SetDefault("session.max_wait", time.Duration(0))
	v.SetDefault("session.abort_exposure_on_urgent_stop", false)
	v.SetDefault("session.max_consecutive_failures", 5)

	v.SetDefault("paths.target_json", "")
	v.SetDefault("paths.journal_db", "")
	v.SetDefault("paths.image_dir", "images")
	v.SetDefault("paths.catalog", "")
	v.SetDefault("paths.log_file", "")

	v.SetDefault("telemetry.status_addr", "")
	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.service_name", "autoscope")
	v.SetDefault("telemetry.tracing.exporter", "stdout")
	v.SetDefault("telemetry.tracing.endpoint", "")
	v.SetDefault("telemetry.tracing.sample_ratio", 1.0)
}

func setCorrectorDefaults(v *viper.Viper, prefix string, threshold float64) {
	v.SetDefault(prefix+".threshold_arcsec", threshold)
	v.SetDefault(prefix+".min_correction_arcsec", 1.0)
	v.SetDefault(prefix+".large_offset_arcsec", 5.0)
	v.SetDefault(prefix+".large_offset_scale", 0.9)
	v.SetDefault(prefix+".scale_factor", 1.0)
	v.SetDefault(prefix+".correction_interval", 5)
	v.SetDefault(prefix+".acquisition_exposure", 0.0)
	v.SetDefault(prefix+".min_exposure", 1.0)
	v.SetDefault(prefix+".max_exposure", 120.0)
	v.SetDefault(prefix+".retries_per_level", 2)
	v.SetDefault(prefix+".increase_factor", 2.0)
	v.SetDefault(prefix+".science_failures_before_adaptive", 3)
	v.SetDefault(prefix+".bright_star_count", 0)
	v.SetDefault(prefix+".max_acquisition_frames", 45)
	v.SetDefault(prefix+".apply_rotation", true)
	v.SetDefault(prefix+".rotator_scale", 0.5)
	v.SetDefault(prefix+".max_rotation_deg", 5.0)
	v.SetDefault(prefix+".min_rotation_deg", 0.1)
}
