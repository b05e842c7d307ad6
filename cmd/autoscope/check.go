package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/autoscope/internal/gate"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/model"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
)

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <tic|coords> <target>",
		Short: "Report whether a target is observable now",
		Long: `Resolve a target and print its observability report without
touching any device.`,
		Example: `  autoscope check tic 261136679
  autoscope check coords "150.0 -20.0" --at 2025-03-01T22:00:00Z`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkRun(cmd, opts, args[0], strings.Join(args[1:], " "))
		},
	}
}

func checkRun(cmd *cobra.Command, opts *options, kind, input string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(opts, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	var target model.Target
	switch strings.ToLower(kind) {
	case "tic":
		res, err := newResolver(cfg, log)
		if err != nil {
			return err
		}
		target, err = res.ResolveTIC(cmd.Context(), input)
		if err != nil {
			return err
		}
	case "coords", "coord":
		target, err = resolver.ParseCoords(input)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown target kind %q (want tic or coords)", kind)
	}

	at, err := startTime(opts)
	if err != nil {
		return err
	}
	v := gate.New(cfg.Observatory).Evaluate(target, at, opts.ignoreTwilight)
	printReport(cmd.OutOrStdout(), cfg.Observatory.Name, target, v)
	return nil
}

func printReport(w io.Writer, site string, t model.Target, v gate.Verdict) {
	fmt.Fprintf(w, "%s %s\n", bold("Target"), cyan(t.ID))
	fmt.Fprintf(w, "  RA/Dec     %.4f° / %+.4f° (%s)\n", t.RADeg, t.DecDeg, t.Provenance)
	if t.Magnitude != nil {
		fmt.Fprintf(w, "  Magnitude  %.2f\n", *t.Magnitude)
	}
	fmt.Fprintf(w, "%s %s at %s\n", bold("Site"), site, v.At.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Altitude   %.2f°\n", v.Altitude)
	fmt.Fprintf(w, "  Azimuth    %.2f°\n", v.Azimuth)
	if v.Airmass > 0 {
		fmt.Fprintf(w, "  Airmass    %.3f\n", v.Airmass)
	} else {
		fmt.Fprintf(w, "  Airmass    -\n")
	}
	fmt.Fprintf(w, "  Sun        %.2f° alt, %.2f° az\n", v.SunAltitude, v.SunAzimuth)

	var verdict string
	switch v.Result {
	case gate.Observable:
		verdict = green(v.Result.String())
	case gate.Waiting:
		verdict = yellow(v.Result.String())
	default:
		verdict = red(v.Result.String())
	}
	fmt.Fprintf(w, "%s %s\n", bold("Verdict"), verdict)
	for _, r := range v.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}
