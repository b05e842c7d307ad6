package device_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/device/simulated"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

type frameSink struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (s *frameSink) WriteFrame(_ context.Context, f model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func testOptions(sink device.FrameWriter) device.Options {
	return device.Options{
		Policy: device.Policy{
			CallTimeout:    time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Timeouts: device.Timeouts{
			Slew:    time.Minute,
			Settle:  2 * time.Second,
			Readout: 30 * time.Second,
			Park:    time.Minute,
			Cover:   time.Minute,
			Rotator: time.Minute,
			Filter:  30 * time.Second,
		},
		PollInterval: time.Second,
		Filters:      map[string]string{"V": "V", "L": "Clear"},
		ManageCooler: true,
		Writer:       sink,
	}
}

func newController(t *testing.T, mutate func(*device.Options)) (*device.Controller, *simulated.Hardware, *timectrl.TimeController) {
	t.Helper()
	clock := timectrl.NewTimeController(time.Date(2025, time.March, 1, 22, 0, 0, 0, time.UTC), timectrl.Accelerated)
	hw := simulated.New(clock, simulated.DefaultOptions())
	opts := testOptions(nil)
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := device.NewController(hw.Rig(), nil, clock, opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return ctrl, hw, clock
}

func TestNewControllerRequiresTelescopeAndCamera(t *testing.T) {
	hw := simulated.New(nil, simulated.DefaultOptions())
	rig := hw.Rig()
	rig.Camera = nil
	if _, err := device.NewController(rig, nil, nil, device.Options{}); !errors.Is(err, device.ErrMissingDevice) {
		t.Fatalf("NewController error = %v, want ErrMissingDevice", err)
	}
}

func TestConnectUnparksAndTracks(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)

	if got := hw.Count("telescope.unpark"); got != 1 {
		t.Fatalf("unpark count = %d, want 1", got)
	}
	if !hw.Telescope.Tracking() {
		t.Fatalf("tracking = false, want true")
	}
	for _, kind := range model.DeviceKinds {
		st, ok := ctrl.Status(kind)
		if !ok {
			t.Fatalf("Status(%s) missing", kind)
		}
		if st.State != model.DeviceIdle {
			t.Fatalf("Status(%s).State = %v, want idle", kind, st.State)
		}
	}
}

func TestSlewToWaitsForCompletionAndSettle(t *testing.T) {
	ctrl, hw, clock := newController(t, nil)
	start := clock.Now()

	if err := ctrl.SlewTo(context.Background(), 150, 20); err != nil {
		t.Fatalf("SlewTo: %v", err)
	}
	if elapsed := clock.Now().Sub(start); elapsed < 7*time.Second {
		t.Fatalf("slew elapsed = %v, want at least slew+settle (7s)", elapsed)
	}
	ra, dec, err := ctrl.Position(context.Background())
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if math.Abs(ra-150) > 1e-9 || math.Abs(dec-20) > 1e-9 {
		t.Fatalf("Position = (%v, %v), want (150, 20)", ra, dec)
	}
	if hw.Count("telescope.slewing") < 2 {
		t.Fatalf("slewing polled %d times, want at least 2", hw.Count("telescope.slewing"))
	}
	if st, _ := ctrl.Status(model.DeviceTelescope); st.State != model.DeviceIdle {
		t.Fatalf("telescope state = %v, want idle", st.State)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	hw.Inject("telescope.slew", errors.New("connection reset"), errors.New("connection reset"))

	if err := ctrl.SlewTo(context.Background(), 10, 10); err != nil {
		t.Fatalf("SlewTo: %v", err)
	}
	if got := hw.Count("telescope.slew"); got != 3 {
		t.Fatalf("slew attempts = %d, want 3", got)
	}
}

func TestRetriesExhaustedIsRetryable(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	boom := errors.New("connection reset")
	hw.Inject("telescope.slew", boom, boom, boom)

	err := ctrl.SlewTo(context.Background(), 10, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("SlewTo error = %v, want %v", err, boom)
	}
	if device.IsFatal(err) {
		t.Fatalf("IsFatal = true, want false")
	}
	if st, _ := ctrl.Status(model.DeviceTelescope); st.State != model.DeviceError {
		t.Fatalf("telescope state = %v, want error", st.State)
	}
}

func TestRejectedCommandIsFatalAndNotRetried(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	hw.Inject("telescope.slew", device.Rejected("below horizon limit"))

	err := ctrl.SlewTo(context.Background(), 10, 10)
	if !device.IsRejected(err) || !device.IsFatal(err) {
		t.Fatalf("SlewTo error = %v, want fatal rejection", err)
	}
	if got := hw.Count("telescope.slew"); got != 1 {
		t.Fatalf("slew attempts = %d, want 1", got)
	}
	st, _ := ctrl.Status(model.DeviceTelescope)
	if !strings.Contains(st.Reason, "below horizon limit") {
		t.Fatalf("status reason = %q, want rejection text", st.Reason)
	}
}

func TestSlewTimeout(t *testing.T) {
	ctrl, _, _ := newController(t, func(o *device.Options) { o.Timeouts.Slew = 3 * time.Second })

	err := ctrl.SlewTo(context.Background(), 10, 10)
	if !device.IsTimeout(err) {
		t.Fatalf("SlewTo error = %v, want timeout", err)
	}
	if got := device.ClassOf(err); got != device.ClassTimeout {
		t.Fatalf("ClassOf = %v, want timeout", got)
	}
}

func TestApplyOffsetClampsDeclination(t *testing.T) {
	ctrl, _, _ := newController(t, nil)
	ctx := context.Background()
	if err := ctrl.SlewTo(ctx, 355, 85); err != nil {
		t.Fatalf("SlewTo: %v", err)
	}
	if err := ctrl.ApplyOffset(ctx, 10, 10); err != nil {
		t.Fatalf("ApplyOffset: %v", err)
	}
	ra, dec, _ := ctrl.Position(ctx)
	if math.Abs(ra-5) > 1e-9 || dec != 90 {
		t.Fatalf("Position = (%v, %v), want (5, 90)", ra, dec)
	}
}

func TestExposeSelectsFilterAndWritesFrame(t *testing.T) {
	sink := &frameSink{}
	ctrl, hw, _ := newController(t, func(o *device.Options) { o.Writer = sink })

	frame, err := ctrl.Expose(context.Background(), device.FrameSpec{
		TargetID: "TIC 123",
		Filter:   "V",
		Seconds:  10,
		Phase:    model.PhaseScience,
	})
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if frame.Exposure != 10*time.Second || frame.Sequence != 1 || frame.Filter != "V" {
		t.Fatalf("frame = %+v, want 10s V frame #1", frame)
	}
	if !strings.HasPrefix(frame.Name, "TIC_123_V_") {
		t.Fatalf("frame name = %q, want TIC_123_V_ prefix", frame.Name)
	}
	if pos, _ := hw.FilterWheel.Position(context.Background()); pos != 2 {
		t.Fatalf("filter slot = %d, want 2", pos)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("frames written = %d, want 1", len(sink.frames))
	}

	// Same filter again does not move the wheel.
	moves := hw.Count("filterwheel.setposition")
	if _, err := ctrl.Expose(context.Background(), device.FrameSpec{TargetID: "x", Filter: "v", Seconds: 1}); err != nil {
		t.Fatalf("second Expose: %v", err)
	}
	if got := hw.Count("filterwheel.setposition"); got != moves {
		t.Fatalf("setposition count = %d, want %d", got, moves)
	}
}

func TestExposeMapsFilterCodeToSlotName(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	if _, err := ctrl.Expose(context.Background(), device.FrameSpec{TargetID: "x", Filter: "L", Seconds: 1}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if pos, _ := hw.FilterWheel.Position(context.Background()); pos != 0 {
		t.Fatalf("filter slot = %d, want 0 (Clear)", pos)
	}
}

func TestExposeFallsBackToStandardFilterName(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	if _, err := ctrl.Expose(context.Background(), device.FrameSpec{TargetID: "x", Filter: "H", Seconds: 1}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if pos, _ := hw.FilterWheel.Position(context.Background()); pos != 5 {
		t.Fatalf("filter slot = %d, want 5 (Ha)", pos)
	}
}

func TestExposeUnknownFilterRejected(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	_, err := ctrl.Expose(context.Background(), device.FrameSpec{TargetID: "x", Filter: "Z", Seconds: 1})
	if !device.IsRejected(err) {
		t.Fatalf("Expose error = %v, want rejection", err)
	}
	if got := hw.Count("camera.startexposure"); got != 0 {
		t.Fatalf("startexposure count = %d, want 0", got)
	}
}

func TestExposeCancelledAbortsExposure(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Expose(ctx, device.FrameSpec{TargetID: "x", Seconds: 30})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expose error = %v, want context.Canceled", err)
	}
	if got := hw.Count("camera.abortexposure"); got != 1 {
		t.Fatalf("abortexposure count = %d, want 1", got)
	}
	if hw.Camera.Exposing() {
		t.Fatalf("camera still exposing after abort")
	}
}

func TestShutdownOperationsAreIdempotent(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	ctx := context.Background()

	if err := ctrl.OpenCover(ctx); err != nil {
		t.Fatalf("OpenCover: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := ctrl.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
		if err := ctrl.CloseCover(ctx); err != nil {
			t.Fatalf("CloseCover #%d: %v", i, err)
		}
		if err := ctrl.Park(ctx); err != nil {
			t.Fatalf("Park #%d: %v", i, err)
		}
		if err := ctrl.CoolerOff(ctx); err != nil {
			t.Fatalf("CoolerOff #%d: %v", i, err)
		}
		if err := ctrl.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect #%d: %v", i, err)
		}
	}

	for op, want := range map[string]int{
		"telescope.abortslew":  0,
		"cover.close":          1,
		"telescope.park":       1,
		"telescope.disconnect": 1,
		"camera.cooler":        1,
	} {
		if got := hw.Count(op); got != want {
			t.Fatalf("%s count = %d, want %d", op, got, want)
		}
	}
	if st, _ := ctrl.Status(model.DeviceCamera); st.State != model.DeviceDisconnected {
		t.Fatalf("camera state = %v, want disconnected", st.State)
	}
}

func TestRotateByWrapsAngle(t *testing.T) {
	ctrl, hw, _ := newController(t, nil)
	ctx := context.Background()
	if err := ctrl.SetRotatorAngle(ctx, 350); err != nil {
		t.Fatalf("SetRotatorAngle: %v", err)
	}
	if err := ctrl.RotateBy(ctx, 20); err != nil {
		t.Fatalf("RotateBy: %v", err)
	}
	if got, _ := hw.Rotator.Position(ctx); math.Abs(got-10) > 1e-9 {
		t.Fatalf("rotator angle = %v, want 10", got)
	}
}
