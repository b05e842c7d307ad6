package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/internal/gate"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

// Gate evaluates observability; *gate.Gate satisfies it.
type Gate interface {
	Evaluate(target model.Target, now time.Time, ignoreTwilight bool) gate.Verdict
}

// StopRequester receives dome-closure stops from the poller goroutine.
type StopRequester interface {
	RequestStop(reason string, urgent bool)
}

// Metrics receives engine counters.
type Metrics interface {
	IncMirrorRecord(status string)
	IncMirrorDrop()
}

// Options configures an Engine.
type Options struct {
	PollInterval     time.Duration
	QueueSize        int
	DefaultMagnitude float64
	IgnoreTwilight   bool

	// Clock is the session clock used by Next. PollerClock drives the
	// background poller and defaults to Clock.
	Clock       timectrl.Clock
	PollerClock timectrl.Clock

	Logger   logging.Logger
	Metrics  Metrics
	Stopper  StopRequester
	OnRecord func(model.MirrorRecord)
}

// Candidate is a validated record ready for imaging.
type Candidate struct {
	Target  model.Target
	Record  model.MirrorRecord
	Verdict gate.Verdict
}

// Batch is the result of draining the queue.
type Batch struct {
	Candidate  *Candidate // newest validated record, if any
	DomeClosed bool
	Processed  int
}

// Engine replicates the remote telescope's target stream. The poller
// goroutine only feeds the queue; every other method must be called from
// the session goroutine.
type Engine struct {
	src   Source
	gate  Gate
	cache *FailedTargetCache
	opts  Options
	log   logging.Logger

	queue  chan Event
	pollMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastApplied time.Time
}

// NewEngine builds an engine. A nil cache gets a fresh one.
func NewEngine(src Source, g Gate, cache *FailedTargetCache, opts Options) *Engine {
	if cache == nil {
		cache = NewFailedTargetCache()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.DefaultMagnitude == 0 {
		opts.DefaultMagnitude = 12
	}
	if opts.Clock == nil {
		opts.Clock = timectrl.Wall()
	}
	if opts.PollerClock == nil {
		opts.PollerClock = opts.Clock
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Engine{
		src:   src,
		gate:  g,
		cache: cache,
		opts:  opts,
		log:   opts.Logger.With(logging.String("source", src.Name())),
		queue: make(chan Event, opts.QueueSize),
	}
}

// Cache returns the failed-target cache.
func (e *Engine) Cache() *FailedTargetCache { return e.cache }

// Start launches the poller goroutine. It runs until ctx ends or Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			if err := e.PollOnce(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn(ctx, "mirror poll failed", logging.Err(err))
			}
			if err := e.opts.PollerClock.Sleep(ctx, e.opts.PollInterval); err != nil {
				return
			}
		}
	}()
}

// Close stops the poller and closes the source.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.src.Close()
}

// PollOnce reads the source once and queues its events. Dome closures
// request an urgent stop immediately. Safe to call alongside the poller.
func (e *Engine) PollOnce(ctx context.Context) error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	events, err := e.src.Poll(ctx)
	for _, ev := range events {
		if ev.Kind == EventDomeClosed && e.opts.Stopper != nil {
			reason := fmt.Sprintf("remote dome closing: %s", ev.Status)
			if ev.Message != "" {
				reason += " - " + ev.Message
			}
			e.opts.Stopper.RequestStop(reason, true)
		}
		e.enqueue(ev)
	}
	return err
}

// enqueue adds ev, dropping the oldest queued event when full.
func (e *Engine) enqueue(ev Event) {
	for {
		select {
		case e.queue <- ev:
			return
		default:
		}
		select {
		case old := <-e.queue:
			e.log.Warn(context.Background(), "mirror queue full; dropping oldest event",
				logging.String("kind", old.Kind.String()),
				logging.Time("at", old.At),
			)
			if e.opts.Metrics != nil {
				e.opts.Metrics.IncMirrorDrop()
			}
		default:
		}
	}
}

// Drain processes every queued event without blocking.
func (e *Engine) Drain(now time.Time) Batch {
	var b Batch
	for {
		select {
		case ev := <-e.queue:
			e.process(ev, now, &b)
		default:
			return b
		}
	}
}

// Next polls, drains and, when nothing actionable arrived, sleeps one poll
// interval on the session clock.
func (e *Engine) Next(ctx context.Context) (Batch, error) {
	if err := e.PollOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		e.log.Warn(ctx, "mirror poll failed", logging.Err(err))
	}
	b := e.Drain(e.opts.Clock.Now())
	if b.Candidate != nil || b.DomeClosed {
		return b, nil
	}
	return b, e.opts.Clock.Sleep(ctx, e.opts.PollInterval)
}

func (e *Engine) process(ev Event, now time.Time, b *Batch) {
	b.Processed++
	if ev.Kind == EventDomeClosed {
		b.DomeClosed = true
		e.log.Warn(context.Background(), "remote dome closing",
			logging.String("status", ev.Status),
			logging.String("message", ev.Message),
		)
		return
	}

	rec := ev.Record
	ctx := context.Background()
	fp := rec.Fingerprint()
	if !rec.Timestamp.After(e.lastApplied) {
		e.log.Debug(ctx, "discarding mirror record not newer than last applied",
			logging.String("fingerprint", fp),
			logging.Time("timestamp", rec.Timestamp),
		)
		return
	}
	e.lastApplied = rec.Timestamp

	if e.cache.Contains(fp) {
		rec.Status = model.RecordCached
		e.emit(rec)
		e.log.Debug(ctx, "skipping previously failed target", logging.String("fingerprint", fp))
		return
	}
	if err := Validate(rec); err != nil {
		e.reject(rec, err.Error())
		return
	}
	target := e.TargetFor(rec)
	verdict := e.gate.Evaluate(target, now, e.opts.IgnoreTwilight)
	if !verdict.Observable() {
		e.reject(rec, fmt.Sprintf("not observable (%s): %v", verdict.Result, verdict.Reasons))
		return
	}

	rec.Status = model.RecordValidated
	e.emit(rec)
	e.log.Info(ctx, "mirror target validated",
		logging.String("target_id", target.ID),
		logging.String("fingerprint", fp),
		logging.Float("altitude", verdict.Altitude),
	)
	if b.Candidate != nil {
		e.log.Info(ctx, "superseding earlier queued target", logging.String("target_id", b.Candidate.Target.ID))
	}
	b.Candidate = &Candidate{Target: target, Record: rec, Verdict: verdict}
}

func (e *Engine) reject(rec model.MirrorRecord, reason string) {
	rec.Status = model.RecordFailed
	e.cache.Add(rec.Fingerprint(), reason)
	e.emit(rec)
	e.log.Warn(context.Background(), "mirror target rejected",
		logging.String("fingerprint", rec.Fingerprint()),
		logging.String("reason", reason),
		logging.Int("cached", e.cache.Len()),
	)
}

// MarkFailed caches a target whose imaging failed (for example a rejected
// slew) so later announcements of it are skipped.
func (e *Engine) MarkFailed(c Candidate, reason string) {
	e.reject(c.Record, reason)
}

// MarkImaging records that imaging of c started.
func (e *Engine) MarkImaging(c Candidate) {
	rec := c.Record
	rec.Status = model.RecordImaging
	e.emit(rec)
}

func (e *Engine) emit(rec model.MirrorRecord) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.IncMirrorRecord(rec.Status.String())
	}
	if e.opts.OnRecord != nil {
		e.opts.OnRecord(rec)
	}
}

// TargetFor builds the synthetic target for a record.
func (e *Engine) TargetFor(rec model.MirrorRecord) model.Target {
	return model.Target{
		ID:         TargetID(rec.RADeg, rec.DecDeg, rec.Timestamp),
		RADeg:      rec.RADeg,
		DecDeg:     rec.DecDeg,
		Magnitude:  model.Magnitude(e.opts.DefaultMagnitude),
		Provenance: model.ProvenanceMirror,
	}
}

// TargetID names a mirrored target, e.g. MIRROR_11.0000h_-21.0000d_203000.
func TargetID(raDeg, decDeg float64, ts time.Time) string {
	return fmt.Sprintf("MIRROR_%.4fh_%+.4fd_%s", raDeg/15, decDeg, ts.UTC().Format("150405"))
}
