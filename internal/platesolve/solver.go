// Package platesolve reads plate-solve results and turns them into pointing
// corrections.
package platesolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

// ErrSolveFailed is wrapped by every solve that produced no usable offset.
var ErrSolveFailed = errors.New("plate solve failed")

// Solution is one solved frame. Offsets are in degrees.
type Solution struct {
	RAOffsetDeg  float64
	DecOffsetDeg float64
	RotationDeg  float64
	Exposure     float64
	FitsName     string
	Stars        int // zero when the solver does not report it
}

// OffsetArcsec is the total pointing error.
func (s Solution) OffsetArcsec() float64 {
	return math.Hypot(s.RAOffsetDeg, s.DecOffsetDeg) * 3600
}

// Solver produces a Solution for a finished frame.
type Solver interface {
	Solve(ctx context.Context, frame model.Frame) (Solution, error)
}

// solverOutput is the column-oriented table the external solver writes.
// Only row "0" is used.
type solverOutput struct {
	RAOffset    map[string]float64 `json:"ra_offset"`
	DecOffset   map[string]float64 `json:"dec_offset"`
	ThetaOffset map[string]float64 `json:"theta_offset"`
	Exptime     map[string]float64 `json:"exptime"`
	FitsName    map[string]string  `json:"fitsname"`
	Stars       map[string]float64 `json:"nstars"`
}

// ParseSolution decodes solver output.
func ParseSolution(data []byte) (Solution, error) {
	var out solverOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Solution{}, fmt.Errorf("decode solver output: %w", err)
	}
	ra, okRA := out.RAOffset["0"]
	dec, okDec := out.DecOffset["0"]
	if !okRA || !okDec {
		return Solution{}, errors.New("solver output missing ra_offset or dec_offset")
	}
	return Solution{
		RAOffsetDeg:  ra,
		DecOffsetDeg: dec,
		RotationDeg:  out.ThetaOffset["0"],
		Exposure:     out.Exptime["0"],
		FitsName:     out.FitsName["0"],
		Stars:        int(out.Stars["0"]),
	}, nil
}

// FileSolver waits for the external solver to write its result file.
type FileSolver struct {
	path    string
	maxAge  time.Duration
	timeout time.Duration
	poll    time.Duration
	clock   timectrl.Clock
	log     logging.Logger

	mu   sync.Mutex
	last string
}

// NewFileSolver returns a solver reading cfg.SolverOutput. The clock drives
// both file age and waiting.
func NewFileSolver(cfg config.Platesolve, clock timectrl.Clock, log logging.Logger) *FileSolver {
	if clock == nil {
		clock = timectrl.Wall()
	}
	if log == nil {
		log = logging.Noop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &FileSolver{
		path:    cfg.SolverOutput,
		maxAge:  cfg.MaxFileAge,
		timeout: cfg.SolveTimeout,
		poll:    poll,
		clock:   clock,
		log:     log,
	}
}

// Solve polls the output file until a fresh, unprocessed solution for
// frame appears or the solve timeout passes.
func (s *FileSolver) Solve(ctx context.Context, frame model.Frame) (Solution, error) {
	deadline := s.clock.Now().Add(s.timeout)
	for {
		sol, ready, err := s.read(frame)
		if err != nil {
			return Solution{}, err
		}
		if ready {
			return sol, nil
		}
		if !s.clock.Now().Before(deadline) {
			return Solution{}, fmt.Errorf("%w: no fresh solution for %s within %s", ErrSolveFailed, frame.Name, s.timeout)
		}
		if err := s.clock.Sleep(ctx, s.poll); err != nil {
			return Solution{}, err
		}
	}
}

// read returns ready=false while the file is missing, stale, unreadable or
// describes another frame.
func (s *FileSolver) read(frame model.Frame) (Solution, bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return Solution{}, false, nil
	}
	if age := s.clock.Now().Sub(info.ModTime()); s.maxAge > 0 && age > s.maxAge {
		s.log.Debug(context.Background(), "solver output is stale",
			logging.String("path", s.path),
			logging.Duration("age", age),
		)
		return Solution{}, false, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Solution{}, false, nil
	}
	sol, err := ParseSolution(data)
	if err != nil {
		s.log.Warn(context.Background(), "unreadable solver output", logging.Err(err))
		return Solution{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sol.FitsName != "" && sol.FitsName == s.last {
		return Solution{}, false, nil
	}
	if frame.Name != "" && sol.FitsName != "" && !sameFile(sol.FitsName, frame.Name) {
		return Solution{}, false, nil
	}
	s.last = sol.FitsName
	if sol.RAOffsetDeg == 0 && sol.DecOffsetDeg == 0 {
		return Solution{}, false, fmt.Errorf("%w: solver reported zero offsets for %s", ErrSolveFailed, sol.FitsName)
	}
	return sol, true, nil
}

func sameFile(a, b string) bool {
	return strings.EqualFold(filepath.Base(a), filepath.Base(b))
}
