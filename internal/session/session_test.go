package session

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/device/simulated"
	"github.com/signalsfoundry/autoscope/internal/gate"
	"github.com/signalsfoundry/autoscope/internal/journal"
	"github.com/signalsfoundry/autoscope/internal/mirror"
	"github.com/signalsfoundry/autoscope/internal/platesolve"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

var sessionStart = time.Date(2025, time.March, 1, 22, 0, 0, 0, time.UTC)

type fakeGate struct {
	mu       sync.Mutex
	calls    int
	result   func(call int) gate.Result
	sunCalls int
	dark     func(call int) bool
}

func (g *fakeGate) Evaluate(_ model.Target, now time.Time, _ bool) gate.Verdict {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	r := gate.Observable
	if g.result != nil {
		r = g.result(n)
	}
	return gate.Verdict{Result: r, At: now, Altitude: 45, SunAltitude: -20}
}

func (g *fakeGate) SunReady(time.Time, bool) (bool, float64) {
	g.mu.Lock()
	g.sunCalls++
	n := g.sunCalls
	g.mu.Unlock()
	if g.dark != nil && !g.dark(n) {
		return false, 10
	}
	return true, -20
}

type scriptedSolver struct {
	offsets []float64 // arcsec; NaN means a failed solve
	calls   int
}

func (s *scriptedSolver) Solve(_ context.Context, f model.Frame) (platesolve.Solution, error) {
	if s.calls >= len(s.offsets) {
		return platesolve.Solution{RAOffsetDeg: 0.5 / 3600, FitsName: f.Name}, nil
	}
	off := s.offsets[s.calls]
	s.calls++
	if math.IsNaN(off) {
		return platesolve.Solution{}, platesolve.ErrSolveFailed
	}
	return platesolve.Solution{RAOffsetDeg: off / 3600, FitsName: f.Name}, nil
}

type scriptedSource struct {
	mu     sync.Mutex
	polls  [][]mirror.Event
	onPoll func()
}

func (s *scriptedSource) push(evs ...mirror.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, evs)
}

func (s *scriptedSource) Name() string { return "scripted" }
func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) Poll(context.Context) ([]mirror.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onPoll != nil {
		s.onPoll()
	}
	if len(s.polls) == 0 {
		return nil, nil
	}
	next := s.polls[0]
	s.polls = s.polls[1:]
	return next, nil
}

func testConfig() config.Snapshot {
	return config.Snapshot{
		Exposures: config.Exposures{MinSeconds: 1, MaxSeconds: 300},
		Platesolve: config.Platesolve{
			Photometry: config.Corrector{
				ThresholdArcsec:      2,
				MinCorrectionArcsec:  1,
				LargeOffsetArcsec:    5,
				LargeOffsetScale:     0.9,
				ScaleFactor:          1,
				CorrectionInterval:   5,
				MinExposure:          1,
				MaxExposure:          120,
				RetriesPerLevel:      2,
				IncreaseFactor:       2,
				MaxAcquisitionFrames: 45,
			},
		},
		Mirror:  config.Mirror{PollInterval: 10 * time.Second, QueueSize: 16, DefaultMagnitude: 12},
		Session: config.Session{WaitInterval: time.Minute, MaxConsecutiveFailures: 3},
	}
}

type harness struct {
	clock *timectrl.TimeController
	hw    *simulated.Hardware
	dev   *device.Controller
	gate  *fakeGate
	stop  *StopFlag
	src   *scriptedSource
	deps  Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timectrl.NewTimeController(sessionStart, timectrl.Accelerated)
	hw := simulated.New(clock, simulated.DefaultOptions())
	dev, err := device.NewController(hw.Rig(), nil, clock, device.Options{
		Policy: device.Policy{
			CallTimeout:    time.Second,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Timeouts: device.Timeouts{
			Slew: time.Minute, Settle: time.Second, Readout: 30 * time.Second,
			Park: time.Minute, Cover: time.Minute, Rotator: time.Minute, Filter: 30 * time.Second,
		},
		PollInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h := &harness{clock: clock, hw: hw, dev: dev, gate: &fakeGate{}, stop: NewStopFlag()}
	h.deps = Deps{
		Config:  testConfig(),
		Devices: dev,
		Gate:    h.gate,
		Stop:    h.stop,
		Clock:   clock,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T, req Request) *Orchestrator {
	t.Helper()
	o, err := New(req, h.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func coordsRequest(mode model.Mode) Request {
	return Request{Kind: TargetCoords, Input: "150 -20", Mode: mode, ExposureOverride: 30}
}

func TestPhaseMachine(t *testing.T) {
	m := newPhaseMachine(false, nil)
	if err := m.To(model.PhaseScience); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Init -> Science err = %v, want ErrIllegalTransition", err)
	}
	for _, p := range []model.Phase{model.PhaseWaitObservability, model.PhaseAcquisition, model.PhaseAcquisition, model.PhaseScience} {
		if err := m.To(p); err != nil {
			t.Fatalf("To(%s): %v", p, err)
		}
	}
	if err := m.To(model.PhaseAcquisition); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("single-target Science -> Acquisition err = %v, want ErrIllegalTransition", err)
	}

	mm := newPhaseMachine(true, nil)
	for _, p := range []model.Phase{model.PhaseWaitObservability, model.PhaseAcquisition, model.PhaseScience, model.PhaseAcquisition, model.PhaseWaitObservability} {
		if err := mm.To(p); err != nil {
			t.Fatalf("mirror To(%s): %v", p, err)
		}
	}
	if err := mm.To(model.PhaseParked); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("WaitObservability -> Parked err = %v, want ErrIllegalTransition", err)
	}
}

func TestStopFlagKeepsFirstReason(t *testing.T) {
	f := NewStopFlag()
	if f.Requested() {
		t.Fatalf("new flag is raised")
	}
	f.RequestStop(ReasonDuration, false)
	select {
	case <-f.UrgentContext().Done():
		t.Fatalf("urgent context done after non-urgent stop")
	default:
	}
	f.RequestStop(ReasonUnobservable, true)

	if got := f.Reason(); got != ReasonDuration {
		t.Fatalf("Reason = %q, want %q", got, ReasonDuration)
	}
	if !f.Urgent() {
		t.Fatalf("Urgent = false after urgent request")
	}
	select {
	case <-f.Context().Done():
	default:
		t.Fatalf("stop context not done")
	}
	select {
	case <-f.UrgentContext().Done():
	default:
		t.Fatalf("urgent context not done")
	}
}

func TestDurationAndAltitudeTriggersShutDownOnce(t *testing.T) {
	h := newHarness(t)
	// call 1: wait loop; calls 2 and 3: before frames 1 and 2.
	h.gate.result = func(call int) gate.Result {
		if call >= 4 {
			return gate.Unobservable
		}
		return gate.Observable
	}
	req := coordsRequest(model.ModePhotometry)
	req.Duration = time.Minute
	o := h.orchestrator(t, req)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Phase != model.PhaseParked {
		t.Fatalf("Phase = %s, want parked", out.Phase)
	}
	if out.Reason != ReasonDuration {
		t.Fatalf("Reason = %q, want %q", out.Reason, ReasonDuration)
	}
	if out.Frames != 2 {
		t.Fatalf("Frames = %d, want 2", out.Frames)
	}
	if !h.stop.Urgent() {
		t.Fatalf("altitude trigger did not register as urgent")
	}

	o.shutdown(context.Background(), "again")
	for op, want := range map[string]int{"telescope.park": 1, "cover.close": 1, "telescope.disconnect": 1} {
		if got := h.hw.Count(op); got != want {
			t.Fatalf("Count(%s) = %d, want %d", op, got, want)
		}
	}
}

func TestSingleImageTakesExactlyOneFrame(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, coordsRequest(model.ModeSingleImage))

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Frames != 1 || len(h.hw.Camera.Exposures()) != 1 {
		t.Fatalf("frames = %d, exposures = %v, want 1", out.Frames, h.hw.Camera.Exposures())
	}
	if out.Reason != ReasonSingleImage || out.Phase != model.PhaseParked {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Target.ID != "MANUAL-10.000h_-20.000d" {
		t.Fatalf("target = %q", out.Target.ID)
	}
}

func TestSingleImageNotObservableEndsWithoutImaging(t *testing.T) {
	h := newHarness(t)
	h.gate.result = func(int) gate.Result { return gate.Waiting }
	o := h.orchestrator(t, coordsRequest(model.ModeSingleImage))

	out, err := o.Run(context.Background())
	if !errors.Is(err, ErrNotObservable) {
		t.Fatalf("Run err = %v, want ErrNotObservable", err)
	}
	if h.hw.Count("telescope.slew") != 0 || h.hw.Count("camera.startexposure") != 0 {
		t.Fatalf("devices commanded while unobservable: %v", h.hw.Commands())
	}
	if out.Phase != model.PhaseParked {
		t.Fatalf("Phase = %s, want parked", out.Phase)
	}
}

func TestContinuousModeWaitsForObservability(t *testing.T) {
	h := newHarness(t)
	h.gate.result = func(call int) gate.Result {
		if call <= 3 {
			return gate.Waiting
		}
		return gate.Observable
	}
	req := coordsRequest(model.ModePhotometry)
	req.MaxExposures = 1
	o := h.orchestrator(t, req)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Frames != 1 || out.Reason != ReasonMaxExposures {
		t.Fatalf("outcome = %+v", out)
	}
	if waited := h.clock.Now().Sub(sessionStart); waited < 3*time.Minute {
		t.Fatalf("session took %s, want at least three wait intervals", waited)
	}
}

func TestMaxWaitGivesUp(t *testing.T) {
	h := newHarness(t)
	h.gate.result = func(int) gate.Result { return gate.Unobservable }
	h.deps.Config.Session.MaxWait = 5 * time.Minute
	o := h.orchestrator(t, coordsRequest(model.ModePhotometry))

	if _, err := o.Run(context.Background()); !errors.Is(err, ErrNotObservable) {
		t.Fatalf("Run err = %v, want ErrNotObservable", err)
	}
}

func TestResolutionFailureTouchesNoDevice(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, Request{Kind: TargetCoords, Input: "not coordinates"})

	out, err := o.Run(context.Background())
	if !errors.Is(err, resolver.ErrResolution) {
		t.Fatalf("Run err = %v, want ErrResolution", err)
	}
	if out.Phase != model.PhaseAborted {
		t.Fatalf("Phase = %s, want aborted", out.Phase)
	}
	if cmds := h.hw.Commands(); len(cmds) != 0 {
		t.Fatalf("device commands issued: %v", cmds)
	}
}

func TestFatalDeviceErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.hw.Inject("telescope.slew", device.Rejected("below horizon limit"))
	o := h.orchestrator(t, coordsRequest(model.ModePhotometry))

	out, err := o.Run(context.Background())
	if !device.IsRejected(err) {
		t.Fatalf("Run err = %v, want rejected", err)
	}
	if out.Phase != model.PhaseAborted || out.Reason != ReasonDeviceFault {
		t.Fatalf("outcome = %+v", out)
	}
	if h.hw.Count("telescope.park") != 1 {
		t.Fatalf("telescope not parked after fatal error: %v", h.hw.Commands())
	}
}

func TestNoParkEndsParkedPhaseWithoutParking(t *testing.T) {
	h := newHarness(t)
	req := coordsRequest(model.ModeSingleImage)
	req.Flags.NoPark = true
	o := h.orchestrator(t, req)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Phase != model.PhaseParked || h.hw.Count("telescope.park") != 0 {
		t.Fatalf("phase = %s, park count = %d", out.Phase, h.hw.Count("telescope.park"))
	}
}

func TestCorrectionLoopConvergesIntoScience(t *testing.T) {
	h := newHarness(t)
	var phases []model.Phase
	h.deps.OnPhase = func(p model.Phase) { phases = append(phases, p) }
	h.deps.Solver = &scriptedSolver{offsets: []float64{5.2, 1.8}}
	req := coordsRequest(model.ModePhotometry)
	req.MaxExposures = 4
	o := h.orchestrator(t, req)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Corrections != 2 {
		t.Fatalf("Corrections = %d, want 2", out.Corrections)
	}
	want := []model.Phase{
		model.PhaseWaitObservability, model.PhaseAcquisition, model.PhaseScience,
		model.PhaseShutdown, model.PhaseParked,
	}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestRecoverableFailuresAreBounded(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("camera link reset")
	h.hw.Inject("camera.startexposure", boom, boom, boom, boom, boom, boom)
	o := h.orchestrator(t, coordsRequest(model.ModePhotometry))

	out, err := o.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want %v", err, boom)
	}
	if out.Phase != model.PhaseAborted || out.Frames != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestUrgentStopAbortsExposureWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.Session.AbortExposureOnUrgentStop = true
	o := h.orchestrator(t, coordsRequest(model.ModePhotometry))
	ctx := context.Background()
	if err := o.connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.stop.RequestStop(ReasonDomeClosed, true)
	_, err := o.expose(ctx, model.Target{ID: "T"}, 300)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expose err = %v, want context.Canceled", err)
	}
	if h.hw.Count("camera.abortexposure") != 1 {
		t.Fatalf("abortexposure count = %d, want 1", h.hw.Count("camera.abortexposure"))
	}
}

func TestInterruptStillShutsDown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := h.orchestrator(t, coordsRequest(model.ModePhotometry))

	out, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != ReasonInterrupted || out.Phase != model.PhaseParked {
		t.Fatalf("outcome = %+v", out)
	}
	if h.hw.Count("telescope.park") != 1 {
		t.Fatalf("park count = %d, want 1", h.hw.Count("telescope.park"))
	}
}

func mirrorHarness(t *testing.T, polls [][]mirror.Event, edits ...func(*harness, *Request)) (*harness, *Orchestrator, *journal.Journal) {
	t.Helper()
	h := newHarness(t)
	h.src = &scriptedSource{polls: polls}
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	var o *Orchestrator
	engine := mirror.NewEngine(h.src, h.gate, nil, mirror.Options{
		PollInterval: 10 * time.Second,
		Clock:        h.clock,
		PollerClock:  timectrl.NewTimeController(sessionStart, timectrl.Stepped),
		Stopper:      h.stop,
		OnRecord:     func(r model.MirrorRecord) { o.MirrorRecorded(r) },
	})
	h.deps.Mirror = engine
	h.deps.Journal = j
	req := Request{Kind: TargetMirror, Mode: model.ModePhotometry, ExposureOverride: 30, MaxExposures: 2}
	for _, edit := range edits {
		edit(h, &req)
	}
	o = h.orchestrator(t, req)
	return h, o, j
}

func move(ts time.Time, ra, dec float64) mirror.Event {
	return mirror.Event{Kind: mirror.EventMove, At: ts, Record: model.MirrorRecord{Timestamp: ts, RADeg: ra, DecDeg: dec, Source: "scripted"}}
}

func TestMirrorSlewsOnceToNewestRecord(t *testing.T) {
	t0 := sessionStart.Add(-time.Minute)
	t1 := sessionStart.Add(-30 * time.Second)
	h, o, j := mirrorHarness(t, [][]mirror.Event{{
		move(t0, 150, -20),
		move(t1, 165, -21),
		move(t1, 165, -21),
	}})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.hw.Count("telescope.slew"); got != 1 {
		t.Fatalf("slew count = %d, want 1", got)
	}
	raHours, dec, _ := h.hw.Telescope.Position(context.Background())
	if math.Abs(raHours-11.0) > 1e-9 || math.Abs(dec+21.0) > 1e-9 {
		t.Fatalf("telescope at (%v h, %v), want (11 h, -21)", raHours, dec)
	}
	if out.Frames != 2 || out.Reason != ReasonMaxExposures {
		t.Fatalf("outcome = %+v", out)
	}

	statuses, err := j.MirrorStatuses(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("MirrorStatuses: %v", err)
	}
	want := []string{"validated", "validated", "imaging"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestMirrorRejectedSlewCachesTarget(t *testing.T) {
	t0 := sessionStart.Add(-time.Minute)
	h, o, _ := mirrorHarness(t, [][]mirror.Event{
		{move(t0, 150, -20)},
		{move(t0.Add(time.Second), 150, -20)},
		{{Kind: mirror.EventDomeClosed, At: sessionStart.Add(time.Minute), Status: "closed"}},
	})
	h.hw.Inject("telescope.slew", device.Rejected("outside limits"))

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.hw.Count("telescope.slew"); got != 1 {
		t.Fatalf("slew count = %d, want 1", got)
	}
	if !h.deps.Mirror.Cache().Contains(model.FingerprintFor(150, -20)) {
		t.Fatalf("rejected target not cached")
	}
	if !strings.HasPrefix(out.Reason, "remote dome closing") || !h.stop.Urgent() {
		t.Fatalf("reason = %q, urgent = %v", out.Reason, h.stop.Urgent())
	}
	if out.Phase != model.PhaseParked {
		t.Fatalf("Phase = %s, want parked", out.Phase)
	}
}

func TestMirrorWaitsForDarknessBeforeMonitoring(t *testing.T) {
	t0 := sessionStart.Add(-time.Minute)
	h, o, _ := mirrorHarness(t, [][]mirror.Event{{move(t0, 165, -21)}}, func(h *harness, _ *Request) {
		h.gate.dark = func(call int) bool { return call > 2 }
	})
	var mu sync.Mutex
	var firstPoll time.Time
	h.src.onPoll = func() {
		mu.Lock()
		defer mu.Unlock()
		if firstPoll.IsZero() {
			firstPoll = h.clock.Now()
		}
	}

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Frames != 2 || out.Reason != ReasonMaxExposures {
		t.Fatalf("outcome = %+v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if waited := firstPoll.Sub(sessionStart); waited < 2*time.Minute {
		t.Fatalf("first poll after %s, want at least two wait intervals", waited)
	}
	if n := h.deps.Mirror.Cache().Len(); n != 0 {
		t.Fatalf("cache holds %d targets, want 0", n)
	}
}

func TestMirrorEndsAtSunriseWhileIdle(t *testing.T) {
	h, o, _ := mirrorHarness(t, nil, func(h *harness, _ *Request) {
		h.gate.dark = func(call int) bool { return call <= 3 }
	})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != ReasonSunrise || out.Phase != model.PhaseParked {
		t.Fatalf("outcome = %+v", out)
	}
	if h.stop.Urgent() {
		t.Fatalf("sunrise stop marked urgent")
	}
	if h.hw.Count("telescope.slew") != 0 || out.Frames != 0 {
		t.Fatalf("imaged while idle: %v", h.hw.Commands())
	}
	if h.hw.Count("telescope.park") != 1 {
		t.Fatalf("park count = %d, want 1", h.hw.Count("telescope.park"))
	}
}

func TestMirrorDurationEndsIdleSession(t *testing.T) {
	h, o, _ := mirrorHarness(t, nil, func(_ *harness, req *Request) {
		req.Duration = 30 * time.Minute
	})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != ReasonDuration || out.Phase != model.PhaseParked {
		t.Fatalf("outcome = %+v", out)
	}
	if elapsed := h.clock.Now().Sub(sessionStart); elapsed < 30*time.Minute || elapsed > 32*time.Minute {
		t.Fatalf("session lasted %s, want about 30m", elapsed)
	}
}

func TestMirrorTriggersApplyMaxExposuresBetweenTargets(t *testing.T) {
	h, o, _ := mirrorHarness(t, nil, func(h *harness, _ *Request) {
		h.gate.dark = func(int) bool { return false }
	})
	o.started = sessionStart
	o.frames = 2

	if !o.mirrorTriggers(context.Background()) {
		t.Fatalf("mirrorTriggers = false with max exposures reached")
	}
	if got := h.stop.Reason(); got != ReasonMaxExposures {
		t.Fatalf("Reason = %q, want %q", got, ReasonMaxExposures)
	}
}

func TestRemoteDomeClosureDuringExposureLetsFrameFinish(t *testing.T) {
	t0 := sessionStart.Add(-time.Minute)
	h, o, _ := mirrorHarness(t, [][]mirror.Event{{move(t0, 165, -21)}})
	var once sync.Once
	h.clock.AddListener(func(now time.Time) {
		if !h.hw.Camera.Exposing() {
			return
		}
		once.Do(func() {
			h.src.push(mirror.Event{Kind: mirror.EventDomeClosed, At: now, Status: "weather_danger_closing", Message: "rain"})
			if err := h.deps.Mirror.PollOnce(context.Background()); err != nil {
				t.Errorf("PollOnce: %v", err)
			}
		})
	})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Frames != 1 || len(h.hw.Camera.Exposures()) != 1 {
		t.Fatalf("frames = %d, exposures = %v, want 1", out.Frames, h.hw.Camera.Exposures())
	}
	if got := h.hw.Count("camera.abortexposure"); got != 0 {
		t.Fatalf("abortexposure count = %d, want 0", got)
	}
	if !strings.HasPrefix(out.Reason, "remote dome closing") || !h.stop.Urgent() {
		t.Fatalf("reason = %q, urgent = %v", out.Reason, h.stop.Urgent())
	}
	if out.Phase != model.PhaseParked {
		t.Fatalf("Phase = %s, want parked", out.Phase)
	}

	o.shutdown(context.Background(), "again")
	for op, want := range map[string]int{"telescope.park": 1, "cover.close": 1, "telescope.disconnect": 1} {
		if got := h.hw.Count(op); got != want {
			t.Fatalf("Count(%s) = %d, want %d", op, got, want)
		}
	}
}
