package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

// stateFile is the JSON document the remote telescope rewrites atomically.
type stateFile struct {
	LatestMove *struct {
		Timestamp string   `json:"timestamp"`
		RADeg     *float64 `json:"ra_deg"`
		DecDeg    *float64 `json:"dec_deg"`
	} `json:"latest_move"`
	LatestDome *struct {
		Timestamp string `json:"timestamp"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	} `json:"latest_dome"`
}

// FileSource re-reads a state file on every poll.
type FileSource struct {
	path  string
	start time.Time

	mu       sync.Mutex
	lastMove time.Time
	lastDome time.Time
}

// NewFileSource watches path. Dome messages stamped at or before start are
// ignored.
func NewFileSource(path string, start time.Time) *FileSource {
	return &FileSource{path: path, start: start}
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Close() error { return nil }

// Poll returns the latest move if it is newer than the last one returned,
// and a dome-closed event for a fresh closure status. A missing file yields
// no events.
func (s *FileSource) Poll(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mirror state: %w", err)
	}
	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode mirror state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	var errs []error
	if m := doc.LatestMove; m != nil && m.Timestamp != "" {
		ts, err := parseTimestamp(m.Timestamp)
		switch {
		case err != nil:
			errs = append(errs, err)
		case m.RADeg == nil || m.DecDeg == nil:
			errs = append(errs, fmt.Errorf("latest_move at %s has no coordinates", m.Timestamp))
		case ts.After(s.lastMove):
			s.lastMove = ts
			events = append(events, Event{
				Kind: EventMove,
				At:   ts,
				Record: model.MirrorRecord{
					Timestamp: ts,
					RADeg:     *m.RADeg,
					DecDeg:    *m.DecDeg,
					Status:    model.RecordNew,
					Source:    s.Name(),
				},
			})
		}
	}
	if d := doc.LatestDome; d != nil && d.Timestamp != "" && IsClosureStatus(d.Status) {
		ts, err := parseTimestamp(d.Timestamp)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ts.After(s.start) && ts.After(s.lastDome):
			s.lastDome = ts
			events = append(events, Event{Kind: EventDomeClosed, At: ts, Status: d.Status, Message: d.Message})
		}
	}
	return events, errors.Join(errs...)
}
