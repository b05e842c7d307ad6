package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/device/alpaca"
	"github.com/signalsfoundry/autoscope/internal/device/simulated"
	"github.com/signalsfoundry/autoscope/internal/gate"
	"github.com/signalsfoundry/autoscope/internal/journal"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/internal/mirror"
	"github.com/signalsfoundry/autoscope/internal/observability"
	"github.com/signalsfoundry/autoscope/internal/platesolve"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/internal/session"
	"github.com/signalsfoundry/autoscope/internal/statusserver"
	"github.com/signalsfoundry/autoscope/kb"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

// runSession wires every component for one session and runs it to the end.
func runSession(cmd *cobra.Command, opts *options, kind session.TargetKind, input string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	mode, err := parseMode(cfg.Session.Mode)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(opts, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFrom(cfg.Telemetry.Tracing), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	status, err := startStatus(ctx, cfg.Telemetry, collector, log)
	if err != nil {
		return err
	}
	if status != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			status.Stop(sctx)
		}()
	}

	clock, rig, err := devicesFor(opts, cfg)
	if err != nil {
		return err
	}
	board := kb.NewStatusBoard()
	devOpts := device.OptionsFromConfig(cfg.Devices)
	devOpts.Logger = log
	devOpts.Metrics = collector
	dev, err := device.NewController(rig, board, clock, devOpts)
	if err != nil {
		return err
	}

	var jr *journal.Journal
	if path := cfg.Paths.JournalDB; path != "" {
		jr, err = journal.Open(ctx, path)
		if err != nil {
			return err
		}
		defer jr.Close()
	}

	res, err := newResolver(cfg, log)
	if err != nil {
		return err
	}
	g := gate.New(cfg.Observatory)
	stop := session.NewStopFlag()

	req := session.Request{
		Kind:             kind,
		Input:            input,
		Mode:             mode,
		Filter:           opts.filter,
		ExposureOverride: opts.exposure,
		Duration:         opts.duration,
		MaxExposures:     opts.maxExposures,
		Flags: model.SessionFlags{
			IgnoreTwilight: opts.ignoreTwilight,
			NoPark:         opts.noPark,
			DryRun:         opts.dryRun,
		},
		CurrentPosition: opts.currentPosition,
	}
	deps := session.Deps{
		Config:   cfg,
		Devices:  dev,
		Gate:     g,
		Resolver: res,
		Stop:     stop,
		Clock:    clock,
		Logger:   log,
		Metrics:  collector,
	}
	if jr != nil {
		deps.Journal = jr
	}
	if !opts.dryRun {
		deps.Solver = platesolve.NewFileSolver(cfg.Platesolve, clock, log)
	}
	if status != nil {
		deps.OnPhase = status.SetPhase
	}

	var orch *session.Orchestrator
	if kind == session.TargetMirror {
		src, err := mirrorSource(cfg.Mirror, input, clock.Now())
		if err != nil {
			return err
		}
		deps.Mirror = mirror.NewEngine(src, g, nil, mirror.Options{
			PollInterval:     cfg.Mirror.PollInterval,
			QueueSize:        cfg.Mirror.QueueSize,
			DefaultMagnitude: cfg.Mirror.DefaultMagnitude,
			IgnoreTwilight:   opts.ignoreTwilight,
			Clock:            clock,
			PollerClock:      timectrl.Wall(),
			Logger:           log,
			Metrics:          collector,
			Stopper:          stop,
			OnRecord:         func(r model.MirrorRecord) { orch.MirrorRecorded(r) },
		})
	}

	orch, err = session.New(req, deps)
	if err != nil {
		return err
	}
	out, runErr := orch.Run(ctx)
	if status != nil {
		status.Finish(runErr)
	}
	for _, st := range board.List() {
		log.Debug(ctx, "device status",
			logging.String("device", string(st.Kind)),
			logging.String("state", st.State.String()),
			logging.String("reason", st.Reason),
		)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s %s: %s (%d frames, %d corrections)\n",
		out.SessionID, out.Phase, out.Reason, out.Frames, out.Corrections)
	return runErr
}

// devicesFor returns the clock and device rig for the run. Dry runs use the
// simulated rig on an accelerated clock.
func devicesFor(opts *options, cfg config.Snapshot) (timectrl.Clock, device.Rig, error) {
	if opts.dryRun {
		start, err := startTime(opts)
		if err != nil {
			return nil, device.Rig{}, err
		}
		clock := timectrl.NewTimeController(start, timectrl.Accelerated)
		return clock, simulated.New(clock, simulated.DefaultOptions()).Rig(), nil
	}
	if opts.at != "" {
		return nil, device.Rig{}, errors.New("--at needs --dry-run for a session")
	}
	client := alpaca.NewClient(cfg.Devices.Alpaca.BaseURL, cfg.Devices.Alpaca.ClientID, nil)
	return timectrl.Wall(), alpaca.NewRig(client, cfg.Devices), nil
}

// newResolver loads the local catalog when one is configured.
func newResolver(cfg config.Snapshot, log logging.Logger) (*resolver.Resolver, error) {
	var catalog resolver.Catalog
	if path := cfg.Paths.Catalog; path != "" {
		fc, err := resolver.LoadFileCatalog(path)
		if err != nil {
			return nil, err
		}
		log.Debug(context.Background(), "catalog loaded", logging.String("path", path), logging.Int("entries", fc.Len()))
		catalog = fc
	}
	return resolver.New(catalog, resolver.DefaultMagnitudes(), log), nil
}

// mirrorSource picks the configured remote source; path overrides its file.
func mirrorSource(cfg config.Mirror, path string, start time.Time) (mirror.Source, error) {
	switch cfg.Source {
	case "log":
		if path == "" {
			path = cfg.LogFile
		}
		if path == "" {
			return nil, errors.New("mirror: no log file configured (mirror.log_file or argument)")
		}
		return mirror.NewLogSource(path, start), nil
	default:
		if path == "" {
			path = cfg.StateFile
		}
		if path == "" {
			return nil, errors.New("mirror: no state file configured (mirror.state_file or argument)")
		}
		return mirror.NewFileSource(path, start), nil
	}
}

// startStatus starts the health and metrics endpoints when addresses are set.
func startStatus(ctx context.Context, t config.Telemetry, collector *observability.Collector, log logging.Logger) (*statusserver.Server, error) {
	if t.StatusAddr == "" && t.MetricsAddr == "" {
		return nil, nil
	}
	srv := statusserver.New(collector, log)
	srv.ServeMetrics(t.MetricsAddr)
	if t.StatusAddr != "" {
		lis, err := net.Listen("tcp", t.StatusAddr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", t.StatusAddr, err)
		}
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Error(ctx, "status server exited", logging.Err(err))
			}
		}()
	}
	return srv, nil
}
