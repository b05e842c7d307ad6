package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

var (
	lineTimestamp = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?`)
	moveLine      = regexp.MustCompile(`(?i)\b(?:slew\w*|target)\b.*?\bra\s*[=:]\s*([-+]?\d+(?:\.\d+)?)[\s,;]+dec\s*[=:]\s*([-+]?\d+(?:\.\d+)?)`)
	domeLine      = regexp.MustCompile(`(?i)\bdome\b[^.;]*?\bclos(?:e|ing|ed)\b`)
	// negated or abandoned closures: "dome not closed", "dome close aborted"
	domeNegated   = regexp.MustCompile(`(?i)\b(?:not|never|no|abort\w*|cancel\w*|fail\w*|unable)\b|n't\b`)
)

// LogSource tails an append-only log written by the remote telescope.
type LogSource struct {
	path  string
	start time.Time

	mu       sync.Mutex
	offset   int64
	lastMove time.Time
	lastDome time.Time
}

// NewLogSource tails path from its beginning. Dome lines stamped at or
// before start are ignored.
func NewLogSource(path string, start time.Time) *LogSource {
	return &LogSource{path: path, start: start}
}

func (s *LogSource) Name() string { return "log:" + s.path }

func (s *LogSource) Close() error { return nil }

// Poll parses the complete lines appended since the previous poll. A file
// that shrank is read again from the start.
func (s *LogSource) Poll(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat mirror log: %w", err)
	}
	if info.Size() < s.offset {
		s.offset = 0
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek mirror log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read mirror log: %w", err)
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	s.offset += int64(end + 1)

	var events []Event
	var errs []error
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		ev, ok, err := s.parseLine(string(bytes.TrimRight(line, "\r")))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, errors.Join(errs...)
}

func (s *LogSource) parseLine(line string) (Event, bool, error) {
	m := lineTimestamp.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false, nil
	}
	move := moveLine.FindStringSubmatch(line)
	dome := domeLine.MatchString(line) && !domeNegated.MatchString(line)
	if move == nil && !dome {
		return Event{}, false, nil
	}
	ts, err := parseTimestamp(normaliseFraction(m[1]))
	if err != nil {
		return Event{}, false, err
	}

	if move != nil {
		if !ts.After(s.lastMove) {
			return Event{}, false, nil
		}
		ra, errRA := strconv.ParseFloat(move[1], 64)
		dec, errDec := strconv.ParseFloat(move[2], 64)
		if err := errors.Join(errRA, errDec); err != nil {
			return Event{}, false, fmt.Errorf("parse coordinates %q: %w", line, err)
		}
		s.lastMove = ts
		return Event{
			Kind: EventMove,
			At:   ts,
			Record: model.MirrorRecord{
				Timestamp: ts,
				RADeg:     ra,
				DecDeg:    dec,
				Status:    model.RecordNew,
				Source:    s.Name(),
			},
		}, true, nil
	}

	if !ts.After(s.start) || !ts.After(s.lastDome) {
		return Event{}, false, nil
	}
	s.lastDome = ts
	return Event{Kind: EventDomeClosed, At: ts, Status: "closed", Message: line}, true, nil
}

// normaliseFraction turns a Python-logging comma decimal into a dot.
func normaliseFraction(ts string) string {
	return strings.Replace(ts, ",", ".", 1)
}
