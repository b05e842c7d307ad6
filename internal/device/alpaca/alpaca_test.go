package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/device"
)

type fakeServer struct {
	mu    sync.Mutex
	puts  map[string]url.Values
	props map[string]any
	errs  map[string]int
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{
		puts:  make(map[string]url.Values),
		props: make(map[string]any),
		errs:  make(map[string]int),
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, NewClient(srv.URL+"/", 42, srv.Client())
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	resp := map[string]any{"ErrorNumber": 0, "ErrorMessage": ""}
	if n, ok := fs.errs[r.URL.Path]; ok {
		resp["ErrorNumber"] = n
		resp["ErrorMessage"] = "refused"
	}
	switch r.Method {
	case http.MethodPut:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fs.puts[r.URL.Path] = r.PostForm
	case http.MethodGet:
		v, ok := fs.props[r.URL.Path]
		if !ok {
			http.Error(w, "unknown property", http.StatusNotFound)
			return
		}
		resp["Value"] = v
		resp["ClientTransactionID"] = r.URL.Query().Get("ClientTransactionID")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (fs *fakeServer) put(path string) url.Values {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.puts[path]
}

func TestSlewSendsFormEncodedCoordinates(t *testing.T) {
	fs, c := newFakeServer(t)
	tel := &Telescope{base{c: c, devType: "telescope", n: 0}}

	if err := tel.SlewAsync(context.Background(), 11.5, -21.25); err != nil {
		t.Fatalf("SlewAsync: %v", err)
	}
	form := fs.put("/api/v1/telescope/0/slewtocoordinatesasync")
	if form == nil {
		t.Fatalf("slewtocoordinatesasync not called")
	}
	if got := form.Get("RightAscension"); got != "11.5" {
		t.Fatalf("RightAscension = %q, want 11.5", got)
	}
	if got := form.Get("Declination"); got != "-21.25" {
		t.Fatalf("Declination = %q, want -21.25", got)
	}
	if got := form.Get("ClientID"); got != "42" {
		t.Fatalf("ClientID = %q, want 42", got)
	}
	if form.Get("ClientTransactionID") == "" {
		t.Fatalf("ClientTransactionID missing")
	}
}

func TestTransactionIDsIncrease(t *testing.T) {
	_, c := newFakeServer(t)
	first, _ := strconv.Atoi(c.ids().Get("ClientTransactionID"))
	second, _ := strconv.Atoi(c.ids().Get("ClientTransactionID"))
	if second != first+1 {
		t.Fatalf("transaction ids = %d, %d, want consecutive", first, second)
	}
}

func TestPropertiesDecode(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.props["/api/v1/telescope/0/rightascension"] = 5.5
	fs.props["/api/v1/telescope/0/declination"] = 22.0
	fs.props["/api/v1/filterwheel/1/names"] = []string{"Clear", "V"}
	fs.props["/api/v1/covercalibrator/0/coverstate"] = 3

	rig := NewRig(c, config.Devices{
		FilterWheel: config.FilterWheel{Enabled: true, Number: 1},
		Cover:       config.Endpoint{Enabled: true},
	})
	if rig.Rotator != nil {
		t.Fatalf("rotator built while disabled")
	}

	ctx := context.Background()
	ra, dec, err := rig.Telescope.Position(ctx)
	if err != nil || ra != 5.5 || dec != 22 {
		t.Fatalf("Position = (%v, %v, %v), want (5.5, 22, nil)", ra, dec, err)
	}
	names, err := rig.FilterWheel.Names(ctx)
	if err != nil || len(names) != 2 || names[1] != "V" {
		t.Fatalf("Names = %v, %v, want [Clear V]", names, err)
	}
	st, err := rig.Cover.State(ctx)
	if err != nil || st != device.CoverOpen {
		t.Fatalf("State = %v, %v, want open", st, err)
	}
}

func TestErrorNumbersClassify(t *testing.T) {
	cases := []struct {
		number int
		fatal  bool
	}{
		{ErrInvalidValue, true},
		{ErrInvalidOperation, true},
		{ErrNotImplemented, true},
		{ErrInvalidWhileParked, true},
		{ErrNotConnected, false},
		{ErrDriverBase + 1, false},
	}
	for _, tc := range cases {
		fs, c := newFakeServer(t)
		fs.errs["/api/v1/telescope/0/park"] = tc.number
		tel := &Telescope{base{c: c, devType: "telescope", n: 0}}

		err := tel.Park(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Number != tc.number {
			t.Fatalf("Park error = %v, want APIError 0x%X", err, tc.number)
		}
		if got := device.IsFatal(err); got != tc.fatal {
			t.Fatalf("IsFatal(0x%X) = %v, want %v", tc.number, got, tc.fatal)
		}
	}
}

func TestHTTPStatusErrors(t *testing.T) {
	_, c := newFakeServer(t)
	cam := &Camera{base{c: c, devType: "camera", n: 0}}

	_, err := cam.ImageReady(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("ImageReady error = %v, want http 404", err)
	}
	if device.IsFatal(err) {
		t.Fatalf("404 classified fatal, want retryable")
	}
	if !device.IsRejected(&HTTPError{StatusCode: http.StatusBadRequest}) {
		t.Fatalf("400 not classified as rejected")
	}
}
