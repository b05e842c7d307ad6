package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/internal/session"
	"github.com/signalsfoundry/autoscope/model"
)

// options holds the flag values shared by every command.
type options struct {
	configFile string
	logLevel   string
	logFormat  string
	at         string

	mode            string
	exposure        float64
	duration        time.Duration
	maxExposures    int
	filter          string
	ignoreTwilight  bool
	noPark          bool
	dryRun          bool
	pollInterval    time.Duration
	currentPosition bool
	statusAddr      string
	metricsAddr     string
}

// flagKeys binds flags to the config keys they override.
var flagKeys = map[string]string{
	"mode":          "session.mode",
	"poll-interval": "mirror.poll_interval",
	"status-addr":   "telemetry.status_addr",
	"metrics-addr":  "telemetry.metrics_addr",
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "autoscope",
		Short: "Automated telescope observing sessions",
		Long: `autoscope drives an ASCOM Alpaca observatory through a complete
observing session: resolve the target, wait until it is observable, slew,
acquire with plate-solve corrections, take science frames and park.

In mirror mode it follows the pointing of a remote telescope instead.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Config file (default ./config/autoscope.yaml or ~/.config/autoscope/autoscope.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", envOr("AUTOSCOPE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", envOr("AUTOSCOPE_LOG_FORMAT", "text"), "Log format: text or json")
	pf.StringVar(&opts.at, "at", "", "Evaluate at this UTC time (RFC3339); with --dry-run the simulated clock starts here")
	pf.BoolVar(&opts.ignoreTwilight, "ignore-twilight", false, "Only require the target altitude; ignore the sun")

	root.AddCommand(
		newTICCmd(opts),
		newCoordsCmd(opts),
		newMirrorCmd(opts),
		newCheckCmd(opts),
		newVersionCmd(),
	)
	return root
}

// addSessionFlags registers the flags of commands that run a session.
func addSessionFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", "photometry", "Session mode: photometry, spectroscopy or single")
	f.Float64Var(&opts.exposure, "exposure-time", 0, "Science exposure in seconds (0 = from magnitude and config)")
	f.DurationVar(&opts.duration, "duration", 0, "Stop after this much imaging time (0 = no limit)")
	f.IntVar(&opts.maxExposures, "max-exposures", 0, "Stop after this many frames (0 = no limit)")
	f.StringVar(&opts.filter, "filter", "", "Filter code, e.g. C, B, G, R")
	f.BoolVar(&opts.noPark, "no-park", false, "Leave the mount unparked at shutdown")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Run against simulated devices with a fast clock and no plate solving")
	f.StringVar(&opts.statusAddr, "status-addr", "", "gRPC health status listen address (empty disables)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty disables)")
}

func newTICCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tic <id>",
		Short:   "Observe a TESS Input Catalog star",
		Example: "  autoscope tic 261136679 --duration 2h",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, session.TargetTIC, args[0])
		},
	}
	addSessionFlags(cmd, opts)
	return cmd
}

func newCoordsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coords <ra> <dec>",
		Short: "Observe explicit J2000 coordinates",
		Long: `Observe explicit J2000 coordinates. Decimal values are degrees;
colon-separated values are sexagesimal with RA in hours.`,
		Example: `  autoscope coords "150.0 -20.0"
  autoscope coords 10:00:00 -20:00:00 --mode single`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, session.TargetCoords, strings.Join(args, " "))
		},
	}
	addSessionFlags(cmd, opts)
	return cmd
}

func newMirrorCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror [path]",
		Short: "Follow a remote telescope's pointing",
		Long: `Follow a remote telescope. path overrides the configured state file
(mirror.source = file) or log file (mirror.source = log).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runSession(cmd, opts, session.TargetMirror, path)
		},
	}
	addSessionFlags(cmd, opts)
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 10*time.Second, "Remote state poll interval")
	cmd.Flags().BoolVar(&opts.currentPosition, "current-position", false, "Image the current pointing until the first remote target arrives")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoscope %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// loadConfig reads the configuration and applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Snapshot, error) {
	v := config.NewViper(opts.configFile)
	if err := bindFlags(v, cmd); err != nil {
		return config.Snapshot{}, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// newLogger builds the process logger from flags and the configured log file.
func newLogger(opts *options, cfg config.Snapshot) (logging.Logger, func(), error) {
	if !logging.ValidLevel(opts.logLevel) {
		return nil, nil, fmt.Errorf("invalid --log-level %q", opts.logLevel)
	}
	format := strings.ToLower(opts.logFormat)
	if format != "text" && format != "json" {
		return nil, nil, fmt.Errorf("invalid --log-format %q", opts.logFormat)
	}
	log, closer, err := logging.New(logging.Config{
		Level:  opts.logLevel,
		Format: format,
		Output: os.Stderr,
		File:   cfg.Paths.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = closer.Close() }, nil
}

// parseMode accepts the CLI spellings of a session mode.
func parseMode(s string) (model.Mode, error) {
	m, ok := model.ParseMode(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return m, fmt.Errorf("unknown mode %q (want photometry, spectroscopy or single)", s)
	}
	return m, nil
}

// startTime parses --at; empty means now.
func startTime(opts *options) (time.Time, error) {
	if opts.at == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, opts.at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at: %w", err)
	}
	return t.UTC(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
