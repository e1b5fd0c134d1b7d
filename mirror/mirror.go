// Package mirror implements the content surface lifecycle mirror: the
// per-surface shadow state of the observing context. Each Mirror runs as
// its own goroutine with a private inbox; it detects same-document versus
// full navigations, generates page identifiers, builds attention and
// audio spans, and hosts the surface-side half of the transition
// correlator.
//
// Mirrors never talk across surfaces: they see only their own inbox and
// report outward through notices.
package mirror

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/pagetrace/correlate"
	"github.com/hazyhaar/pagetrace/host"
	"github.com/hazyhaar/pagetrace/idgen"
	"github.com/hazyhaar/pagetrace/visit"
)

// Message is the tagged union of inbox messages a Mirror accepts.
// Anything else is ignored.
type Message interface{ mirrorMessage() }

// Attach starts the mirror's first page.
type Attach struct {
	URL      string
	Referrer string
	At       int64
}

// LoadStart signals a full navigation detected by the host: the outgoing
// page stops and a fresh page starts with reset engagement state.
type LoadStart struct {
	URL      string
	Referrer string
	At       int64
}

// LocationChanged signals that the surface's visible location changed.
// A hash-only change is ignored; anything else is a same-document
// transition.
type LocationChanged struct {
	URL string
	At  int64
}

// AttentionChanged signals the surface gained or lost user attention.
type AttentionChanged struct {
	Has bool
	At  int64
}

// AudioChanged signals the surface started or stopped playing audio.
type AudioChanged struct {
	Has bool
	At  int64
}

// Click signals a click or Enter press observed in this surface.
type Click struct {
	At int64
}

// Forward carries a correlator message from the orchestrating context.
type Forward struct {
	Info correlate.TransitionInfo
}

// Detach stops the mirror, finalizing the open visit.
type Detach struct {
	At int64
}

func (Attach) mirrorMessage()           {}
func (LoadStart) mirrorMessage()        {}
func (LocationChanged) mirrorMessage()  {}
func (AttentionChanged) mirrorMessage() {}
func (AudioChanged) mirrorMessage()     {}
func (Click) mirrorMessage()            {}
func (Forward) mirrorMessage()          {}
func (Detach) mirrorMessage()           {}

// Notice is the tagged union of reports a Mirror sends back to the
// orchestrating context.
type Notice interface{ mirrorNotice() }

// VisitStarted reports a new page (full or same-document).
type VisitStarted struct {
	Surface         host.SurfaceID
	PageID          string
	URL             string
	Referrer        string
	Start           int64
	IsHistoryChange bool
	Private         bool
}

// VisitStopped reports a finalized page visit.
type VisitStopped struct {
	Surface host.SurfaceID
	Visit   visit.PageVisit
}

// AttentionUpdated reports an attention flip for the current page.
type AttentionUpdated struct {
	Surface host.SurfaceID
	PageID  string
	Has     bool
	At      int64
}

// AudioUpdated reports an audio flip for the current page.
type AudioUpdated struct {
	Surface host.SurfaceID
	PageID  string
	Has     bool
	At      int64
}

// TransitionEmitted reports a completed attribution record.
type TransitionEmitted struct {
	Surface host.SurfaceID
	Record  visit.TransitionRecord
}

func (VisitStarted) mirrorNotice()      {}
func (VisitStopped) mirrorNotice()      {}
func (AttentionUpdated) mirrorNotice()  {}
func (AudioUpdated) mirrorNotice()      {}
func (TransitionEmitted) mirrorNotice() {}

// Mirror is the observing context for one surface.
type Mirror struct {
	surface host.SurfaceID
	private bool
	inbox   chan Message
	notices chan<- Notice
	newID   idgen.Generator
	logger  *slog.Logger
	agent   *correlate.Agent

	shadow       correlate.Shadow
	cur          *visit.PageVisit
	hasAttention bool
	hasAudio     bool
	attnOpenAt   int64
	audioOpenAt  int64

	dropped int64 // inbox overflow count, diagnostics only
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) { m.logger = l }
}

// WithIDGenerator overrides page ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(m *Mirror) { m.newID = gen }
}

// WithInboxSize overrides the inbox buffer size.
func WithInboxSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.inbox = make(chan Message, n)
		}
	}
}

// New creates a Mirror for one surface. Notices are delivered on the
// given channel from the mirror's goroutine.
func New(surface host.SurfaceID, private bool, notices chan<- Notice, opts ...Option) *Mirror {
	m := &Mirror{
		surface: surface,
		private: private,
		inbox:   make(chan Message, 64),
		notices: notices,
		newID:   idgen.Default,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.agent = correlate.NewAgent(m.logger)
	return m
}

// Send delivers a message without blocking. A full inbox drops the
// message: degrading to missing data is preferred over stalling the
// orchestrating context.
func (m *Mirror) Send(msg Message) bool {
	select {
	case m.inbox <- msg:
		return true
	default:
		m.dropped++
		m.logger.Warn("mirror: inbox full, message dropped",
			"surface", m.surface, "dropped", m.dropped)
		return false
	}
}

// SendWait delivers a message, blocking until the mirror accepts it.
// Used for Detach, where a drop would leak the mirror goroutine.
func (m *Mirror) SendWait(msg Message) { m.inbox <- msg }

// Run processes the inbox until ctx is cancelled or a Detach arrives.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.inbox:
			if !ok {
				return
			}
			if done := m.handle(ctx, msg); done {
				return
			}
		}
	}
}

func (m *Mirror) handle(ctx context.Context, msg Message) (done bool) {
	switch v := msg.(type) {
	case Attach:
		m.startVisit(ctx, host.CanonicalizeURL(v.URL), v.Referrer, v.At, false, false)
	case LoadStart:
		m.stopVisit(ctx, v.At)
		m.startVisit(ctx, host.CanonicalizeURL(v.URL), v.Referrer, v.At, false, false)
	case LocationChanged:
		canon := host.CanonicalizeURL(v.URL)
		if canon == m.shadow.URL {
			return false // hash-only navigation
		}
		// Same-document transition: engagement state carries forward.
		m.stopVisit(ctx, v.At)
		m.startVisit(ctx, canon, m.shadow.Referrer, v.At, true, true)
	case AttentionChanged:
		if v.Has == m.hasAttention {
			return false
		}
		m.hasAttention = v.Has
		if m.cur != nil {
			if v.Has {
				m.attnOpenAt = v.At
			} else {
				m.cur.Attention = appendSpan(m.cur.Attention, m.attnOpenAt, v.At)
				m.attnOpenAt = 0
			}
			m.notify(ctx, AttentionUpdated{Surface: m.surface, PageID: m.shadow.PageID, Has: v.Has, At: v.At})
		}
	case AudioChanged:
		if v.Has == m.hasAudio {
			return false
		}
		m.hasAudio = v.Has
		if m.cur != nil {
			if v.Has {
				m.audioOpenAt = v.At
			} else {
				m.cur.Audio = appendSpan(m.cur.Audio, m.audioOpenAt, v.At)
				m.audioOpenAt = 0
			}
			m.notify(ctx, AudioUpdated{Surface: m.surface, PageID: m.shadow.PageID, Has: v.Has, At: v.At})
		}
	case Click:
		m.agent.RecordClick(v.At)
	case Forward:
		if rec, ok := m.agent.Evaluate(v.Info, m.shadow); ok {
			m.notify(ctx, TransitionEmitted{Surface: m.surface, Record: *rec})
		}
	case Detach:
		m.stopVisit(ctx, v.At)
		return true
	default:
		m.logger.Warn("mirror: unknown message ignored", "surface", m.surface)
	}
	return false
}

// Shadow returns the current local shadow snapshot along with the
// engagement booleans. Callers must be on the mirror goroutine.
func (m *Mirror) Shadow() (correlate.Shadow, bool, bool) {
	return m.shadow, m.hasAttention, m.hasAudio
}

func (m *Mirror) startVisit(ctx context.Context, url, referrer string, at int64, isHistory, carryEngagement bool) {
	if m.cur != nil {
		// Should not happen; visits never overlap within a surface.
		m.logger.Warn("mirror: visit already open, overwriting",
			"surface", m.surface, "page", m.shadow.PageID)
		m.stopVisit(ctx, at)
	}

	if !carryEngagement {
		m.hasAttention = false
		m.hasAudio = false
	}

	m.shadow = correlate.Shadow{
		PageID:   m.newID(),
		URL:      url,
		Referrer: referrer,
		Start:    at,
		ReadyAt:  at,
		SameDoc:  isHistory,
		Private:  m.private,
	}

	m.cur = &visit.PageVisit{
		PageID:          m.shadow.PageID,
		Surface:         m.surface,
		URL:             url,
		Referrer:        referrer,
		Start:           at,
		IsHistoryChange: isHistory,
		Private:         m.private,
	}
	if m.hasAttention {
		m.attnOpenAt = at
	}
	if m.hasAudio {
		m.audioOpenAt = at
	}

	m.notify(ctx, VisitStarted{
		Surface:         m.surface,
		PageID:          m.shadow.PageID,
		URL:             url,
		Referrer:        referrer,
		Start:           at,
		IsHistoryChange: isHistory,
		Private:         m.private,
	})

	// Replay a message that raced ahead of this visit, if one is cached.
	if rec, ok := m.agent.OnVisitStart(m.shadow); ok {
		m.notify(ctx, TransitionEmitted{Surface: m.surface, Record: *rec})
	}
}

// stopVisit finalizes the open visit. The stop timestamp also closes any
// open attention/audio span: one synchronized timestamp is shared across
// all events fired for the transition.
func (m *Mirror) stopVisit(ctx context.Context, at int64) {
	if m.cur == nil {
		return
	}
	if m.attnOpenAt > 0 {
		m.cur.Attention = appendSpan(m.cur.Attention, m.attnOpenAt, at)
		m.attnOpenAt = 0
	}
	if m.audioOpenAt > 0 {
		m.cur.Audio = appendSpan(m.cur.Audio, m.audioOpenAt, at)
		m.audioOpenAt = 0
	}
	m.cur.Stop = at

	m.agent.OnVisitStop(m.shadow.PageID)

	final := *m.cur
	m.cur = nil
	m.notify(ctx, VisitStopped{Surface: m.surface, Visit: final})
}

func (m *Mirror) notify(ctx context.Context, n Notice) {
	select {
	case m.notices <- n:
	case <-ctx.Done():
	}
}

func appendSpan(spans []visit.Span, start, end int64) []visit.Span {
	if start <= 0 || end < start {
		return spans
	}
	return append(spans, visit.Span{Start: start, End: end})
}
