// Package session is the top-level orchestrator of the instrumentation
// core. One Session owns the host adapter, the attention tracker, the
// per-surface mirrors, the transition correlator, and the persistence
// sinks, and exposes the page-level event API consumed by measurement
// modules.
//
// The Session runs the orchestrating context: a single goroutine that
// serializes all host signals and mirror notices. Mirrors run their own
// goroutines (the observing contexts); all traffic between the two is
// message passing, never shared memory.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pagetrace/attention"
	"github.com/hazyhaar/pagetrace/correlate"
	"github.com/hazyhaar/pagetrace/events"
	"github.com/hazyhaar/pagetrace/host"
	"github.com/hazyhaar/pagetrace/idgen"
	"github.com/hazyhaar/pagetrace/mirror"
	"github.com/hazyhaar/pagetrace/visit"
	"github.com/hazyhaar/pagetrace/visitstore"
)

// PageVisitStartEvent reports a page starting in some surface.
type PageVisitStartEvent struct {
	PageID          string `json:"page_id"`
	URL             string `json:"url"`
	Referrer        string `json:"referrer"`
	TimeStamp       int64  `json:"time_stamp"`
	IsHistoryChange bool   `json:"is_history_change"`
}

// PageVisitStopEvent reports a page ending.
type PageVisitStopEvent struct {
	PageID    string `json:"page_id"`
	TimeStamp int64  `json:"time_stamp"`
}

// PageAttentionUpdateEvent reports an attention flip for a page.
type PageAttentionUpdateEvent struct {
	PageID       string `json:"page_id"`
	HasAttention bool   `json:"has_attention"`
	TimeStamp    int64  `json:"time_stamp"`
}

// PageAudioUpdateEvent reports an audio flip for a page.
type PageAudioUpdateEvent struct {
	PageID    string `json:"page_id"`
	HasAudio  bool   `json:"has_audio"`
	TimeStamp int64  `json:"time_stamp"`
}

// Stats are point-in-time counters for diagnostics.
type Stats struct {
	RunID             string `json:"run_id"`
	VisitsStarted     int64  `json:"visits_started"`
	VisitsStopped     int64  `json:"visits_stopped"`
	Transitions       int64  `json:"transitions"`
	AttentionUpdates  int64  `json:"attention_updates"`
	AudioUpdates      int64  `json:"audio_updates"`
	ClicksRecorded    int64  `json:"clicks_recorded"`
	ActiveMirrors     int64  `json:"active_mirrors"`
	DroppedForwards   int64  `json:"dropped_forwards"`
	UnmatchedSurfaces int64  `json:"unmatched_surfaces"`
}

// Session fuses host signals into page visits and transition records.
type Session struct {
	cfg    Config
	h      host.Host
	sink   visitstore.Sink
	logger *slog.Logger
	now    func() int64
	newID  idgen.Generator
	runID  string

	tracker    *attention.Tracker
	correlator *correlate.Correlator

	mirrors     map[host.SurfaceID]*mirror.Mirror
	surfaces    map[host.SurfaceID]host.SurfaceInfo
	currentPage map[host.SurfaceID]string
	lastSameDoc map[host.SurfaceID]bool
	notices     chan mirror.Notice
	wg          sync.WaitGroup

	visitStart      *events.Emitter[PageVisitStartEvent]
	visitStop       *events.Emitter[PageVisitStopEvent]
	attentionUpdate *events.Emitter[PageAttentionUpdateEvent]
	audioUpdate     *events.Emitter[PageAudioUpdateEvent]
	transitionData  *events.Emitter[visit.TransitionRecord]

	nVisitsStarted    atomic.Int64
	nVisitsStopped    atomic.Int64
	nTransitions      atomic.Int64
	nAttentionUpdates atomic.Int64
	nAudioUpdates     atomic.Int64
	nClicks           atomic.Int64
	nActiveMirrors    atomic.Int64
	nDroppedForwards  atomic.Int64
	nUnmatched        atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides the wall clock (unix milliseconds).
func WithClock(now func() int64) Option {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator overrides page ID generation for all mirrors.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Session) { s.newID = gen }
}

// New creates a Session. The sink receives every finalized PageVisit and
// TransitionRecord; pass a router to fan out to several backends.
func New(cfg Config, h host.Host, sink visitstore.Sink, opts ...Option) (*Session, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:         cfg,
		h:           h,
		sink:        sink,
		logger:      slog.Default(),
		now:         func() int64 { return time.Now().UnixMilli() },
		newID:       idgen.Default,
		runID:       idgen.Prefixed("run_", idgen.UUIDv4())(),
		mirrors:     make(map[host.SurfaceID]*mirror.Mirror),
		surfaces:    make(map[host.SurfaceID]host.SurfaceInfo),
		currentPage: make(map[host.SurfaceID]string),
		lastSameDoc: make(map[host.SurfaceID]bool),
		notices:     make(chan mirror.Notice, 256),
	}
	for _, o := range opts {
		o(s)
	}

	s.tracker = attention.New(h,
		attention.WithLogger(s.logger),
		attention.WithClock(s.now),
		attention.WithConsiderInput(cfg.ConsiderInput))
	s.correlator = correlate.New(correlate.WithLogger(s.logger))

	s.visitStart = events.New("page-visit-start", events.WithLogger[PageVisitStartEvent](s.logger))
	s.visitStop = events.New("page-visit-stop", events.WithLogger[PageVisitStopEvent](s.logger))
	s.attentionUpdate = events.New("page-attention-update", events.WithLogger[PageAttentionUpdateEvent](s.logger))
	s.audioUpdate = events.New("page-audio-update", events.WithLogger[PageAudioUpdateEvent](s.logger))
	s.transitionData = events.New("page-transition-data", events.WithLogger[visit.TransitionRecord](s.logger))

	s.wireTracker()
	return s, nil
}

// OnPageVisitStart returns the page visit-start emitter.
func (s *Session) OnPageVisitStart() *events.Emitter[PageVisitStartEvent] { return s.visitStart }

// OnPageVisitStop returns the page visit-stop emitter.
func (s *Session) OnPageVisitStop() *events.Emitter[PageVisitStopEvent] { return s.visitStop }

// OnPageAttentionUpdate returns the attention emitter.
func (s *Session) OnPageAttentionUpdate() *events.Emitter[PageAttentionUpdateEvent] {
	return s.attentionUpdate
}

// OnPageAudioUpdate returns the audio emitter.
func (s *Session) OnPageAudioUpdate() *events.Emitter[PageAudioUpdateEvent] { return s.audioUpdate }

// OnPageTransitionData returns the transition record emitter.
func (s *Session) OnPageTransitionData() *events.Emitter[visit.TransitionRecord] {
	return s.transitionData
}

// RunID identifies this session instance in logs, stats, and sinks.
func (s *Session) RunID() string { return s.runID }

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		RunID:             s.runID,
		VisitsStarted:     s.nVisitsStarted.Load(),
		VisitsStopped:     s.nVisitsStopped.Load(),
		Transitions:       s.nTransitions.Load(),
		AttentionUpdates:  s.nAttentionUpdates.Load(),
		AudioUpdates:      s.nAudioUpdates.Load(),
		ClicksRecorded:    s.nClicks.Load(),
		ActiveMirrors:     s.nActiveMirrors.Load(),
		DroppedForwards:   s.nDroppedForwards.Load(),
		UnmatchedSurfaces: s.nUnmatched.Load(),
	}
}

// Run attaches to the host and processes signals until ctx is cancelled
// or the host's event stream closes. It blocks.
func (s *Session) Run(ctx context.Context) error {
	s.tracker.Attach(ctx)
	s.logger.Info("session: attached", "run", s.runID,
		"patterns", len(s.cfg.MatchPatterns), "private", s.cfg.IncludePrivate)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case e, ok := <-s.h.Events():
			if !ok {
				s.shutdown()
				return nil
			}
			s.handleHostEvent(ctx, e)

		case n := <-s.notices:
			s.handleNotice(ctx, n)
		}
	}
}

func (s *Session) handleHostEvent(ctx context.Context, e host.Event) {
	switch v := e.(type) {
	case host.SurfaceCreated:
		info := v.Surface
		info.URL = host.CanonicalizeURL(info.URL)
		s.surfaces[info.ID] = info
		s.tracker.HandleSurfaceCreated(v)

	case host.SurfaceUpdated:
		if info, ok := s.surfaces[v.Surface]; ok && v.URL != "" {
			info.URL = host.CanonicalizeURL(v.URL)
			s.surfaces[v.Surface] = info
		}
		s.tracker.HandleSurfaceUpdated(v)

	case host.SurfaceActivated:
		s.tracker.HandleSurfaceActivated(v)

	case host.SurfaceRemoved:
		s.tracker.HandleSurfaceRemoved(v)
		s.detachMirror(v.Surface, v.At)
		s.correlator.SurfaceRemoved(v.Surface)
		delete(s.surfaces, v.Surface)
		delete(s.currentPage, v.Surface)
		delete(s.lastSameDoc, v.Surface)

	case host.ContainerFocused:
		s.tracker.HandleContainerFocused(ctx, v)

	case host.ContainerRemoved:
		s.tracker.HandleContainerRemoved(v)

	case host.InputStateChanged:
		s.tracker.HandleInputStateChanged(v)

	case host.NavigationCommitted:
		s.correlator.RecordCommit(v)
		s.lastSameDoc[v.Surface] = v.SameDoc

	case host.ContentReady:
		s.handleContentReady(v)

	case host.UserInteraction:
		s.nClicks.Add(1)
		s.correlator.RecordClick(v.Surface, v.At)
		if m, ok := s.mirrors[v.Surface]; ok {
			m.Send(mirror.Click{At: v.At})
		}

	default:
		// Unrecognized host events are ignored, not trusted.
	}
}

func (s *Session) handleContentReady(e host.ContentReady) {
	m, ok := s.mirrors[e.Surface]
	if !ok {
		return
	}
	info, ok := s.surfaces[e.Surface]
	if !ok {
		info = host.SurfaceInfo{ID: e.Surface, Opener: host.NoSurface}
	}
	msg := s.correlator.BuildMessage(e, info, s.currentPage[e.Surface])
	if !m.Send(mirror.Forward{Info: msg}) {
		s.nDroppedForwards.Add(1)
	}
}

// wireTracker routes surface-level lifecycle events into the per-surface
// mirrors. The listeners run on the session goroutine, so mirror lookups
// need no locking; delivery into mirrors is non-blocking message passing.
func (s *Session) wireTracker() {
	s.tracker.OnVisitStart().AddListener(func(e attention.VisitStart) {
		m, ok := s.mirrors[e.Surface]
		if !ok {
			if !s.cfg.instrument(e.URL, e.Private) {
				s.nUnmatched.Add(1)
				return
			}
			s.spawnMirror(e)
			return
		}
		if !s.cfg.instrument(e.URL, e.Private) {
			// Navigated off the instrumented set: stop observing.
			s.detachMirror(e.Surface, e.At)
			return
		}
		if s.lastSameDoc[e.Surface] {
			m.Send(mirror.LocationChanged{URL: e.URL, At: e.At})
		} else {
			m.Send(mirror.LoadStart{URL: e.URL, Referrer: e.Referrer, At: e.At})
		}
	})

	// Visit stops need no routing: mirrors learn about visit boundaries
	// through LoadStart / LocationChanged / Detach.

	s.tracker.OnAttentionStart().AddListener(func(e attention.AttentionStart) {
		if m, ok := s.mirrors[e.Surface]; ok {
			m.Send(mirror.AttentionChanged{Has: true, At: e.At})
		}
	})

	s.tracker.OnAttentionStop().AddListener(func(e attention.AttentionStop) {
		if m, ok := s.mirrors[e.Surface]; ok {
			m.Send(mirror.AttentionChanged{Has: false, At: e.At})
		}
	})

	s.tracker.OnAudioUpdate().AddListener(func(e attention.AudioUpdate) {
		if m, ok := s.mirrors[e.Surface]; ok {
			m.Send(mirror.AudioChanged{Has: e.Audible, At: e.At})
		}
	})
}

func (s *Session) spawnMirror(e attention.VisitStart) {
	m := mirror.New(e.Surface, e.Private, s.notices,
		mirror.WithLogger(s.logger),
		mirror.WithIDGenerator(s.newID))
	s.mirrors[e.Surface] = m
	s.nActiveMirrors.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Background, not the session context: a mirror must outlive
		// cancellation long enough to finalize on its Detach message,
		// which shutdown always delivers and drains.
		m.Run(context.Background())
	}()

	m.Send(mirror.Attach{URL: e.URL, Referrer: e.Referrer, At: e.At})
	s.logger.Debug("session: mirror attached", "surface", e.Surface, "url", e.URL)
}

func (s *Session) detachMirror(id host.SurfaceID, at int64) {
	m, ok := s.mirrors[id]
	if !ok {
		return
	}
	delete(s.mirrors, id)
	s.nActiveMirrors.Add(-1)
	if !m.Send(mirror.Detach{At: at}) {
		// Inbox full. Deliver from a goroutine so the session loop keeps
		// draining notices and the mirror can make progress.
		go m.SendWait(mirror.Detach{At: at})
	}
}

func (s *Session) handleNotice(ctx context.Context, n mirror.Notice) {
	switch v := n.(type) {
	case mirror.VisitStarted:
		s.nVisitsStarted.Add(1)
		s.currentPage[v.Surface] = v.PageID
		s.correlator.RecordVisitStart(v.Surface, correlate.PageRecord{
			PageID:  v.PageID,
			URL:     v.URL,
			Start:   v.Start,
			Private: v.Private,
		})
		s.visitStart.Emit(PageVisitStartEvent{
			PageID:          v.PageID,
			URL:             v.URL,
			Referrer:        v.Referrer,
			TimeStamp:       v.Start,
			IsHistoryChange: v.IsHistoryChange,
		})

	case mirror.VisitStopped:
		s.nVisitsStopped.Add(1)
		if err := s.sink.SavePageVisit(ctx, v.Visit); err != nil {
			s.logger.Error("session: save page visit failed",
				"page", v.Visit.PageID, "error", err)
		}
		s.visitStop.Emit(PageVisitStopEvent{PageID: v.Visit.PageID, TimeStamp: v.Visit.Stop})

	case mirror.AttentionUpdated:
		s.nAttentionUpdates.Add(1)
		s.attentionUpdate.Emit(PageAttentionUpdateEvent{
			PageID:       v.PageID,
			HasAttention: v.Has,
			TimeStamp:    v.At,
		})

	case mirror.AudioUpdated:
		s.nAudioUpdates.Add(1)
		s.audioUpdate.Emit(PageAudioUpdateEvent{
			PageID:    v.PageID,
			HasAudio:  v.Has,
			TimeStamp: v.At,
		})

	case mirror.TransitionEmitted:
		s.nTransitions.Add(1)
		if err := s.sink.SaveTransition(ctx, v.Record); err != nil {
			s.logger.Error("session: save transition failed",
				"page", v.Record.PageID, "error", err)
		}
		s.transitionData.Emit(v.Record)
	}
}

// shutdown detaches every mirror and drains their final notices so open
// visits are finalized and persisted before Run returns.
func (s *Session) shutdown() {
	at := s.now()
	for id := range s.mirrors {
		s.detachMirror(id, at)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ctx := context.Background()
	for {
		select {
		case n := <-s.notices:
			s.handleNotice(ctx, n)
		case <-done:
			for {
				select {
				case n := <-s.notices:
					s.handleNotice(ctx, n)
				default:
					s.logger.Info("session: detached", "stats", s.Stats())
					return
				}
			}
		}
	}
}
