// Package attention implements the attention state tracker: the single
// source of truth, in the orchestrating context, for which surface
// currently holds user attention. It consumes host platform signals and
// emits ordered visit/attention lifecycle events.
//
// All handler methods must be called from one goroutine (the session
// event loop); the tracker serializes no state itself.
package attention

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagetrace/events"
	"github.com/hazyhaar/pagetrace/host"
)

// VisitStart fires when a surface starts showing a new page.
type VisitStart struct {
	Surface   host.SurfaceID
	Container host.ContainerID
	URL       string // canonical (hash stripped)
	Referrer  string
	Private   bool
	At        int64
}

// VisitStop fires when a surface navigates away or closes.
type VisitStop struct {
	Surface host.SurfaceID
	At      int64
}

// AttentionStart fires when a surface gains user attention.
type AttentionStart struct {
	Surface   host.SurfaceID
	Container host.ContainerID
	At        int64
}

// AttentionStop fires when a surface loses user attention.
type AttentionStop struct {
	Surface   host.SurfaceID
	Container host.ContainerID
	At        int64
}

// AudioUpdate fires when a surface's audio state flips.
type AudioUpdate struct {
	Surface host.SurfaceID
	Audible bool
	At      int64
}

type surfaceState struct {
	url       string // canonical
	referrer  string
	container host.ContainerID
	private   bool
}

// containerState is the merge-updated metadata cache for one container.
// A known kind or known active surface is never overwritten by an
// unknown one, so a stale "unknown" update cannot erase learned state.
type containerState struct {
	kind          host.ContainerKind
	activeSurface host.SurfaceID
}

// Tracker tracks attention across all surfaces and containers.
type Tracker struct {
	h             host.Host
	logger        *slog.Logger
	now           func() int64
	considerInput bool

	activeSurface    host.SurfaceID
	focusedContainer host.ContainerID
	inputActive      bool
	attending        host.SurfaceID // surface with an open attention span, or NoSurface

	surfaces   map[host.SurfaceID]*surfaceState
	containers map[host.ContainerID]*containerState

	visitStart     *events.Emitter[VisitStart]
	visitStop      *events.Emitter[VisitStop]
	attentionStart *events.Emitter[AttentionStart]
	attentionStop  *events.Emitter[AttentionStop]
	audioUpdate    *events.Emitter[AudioUpdate]
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the wall clock (unix milliseconds).
func WithClock(now func() int64) Option {
	return func(t *Tracker) { t.now = now }
}

// WithConsiderInput makes attention additionally require recent user
// input, per the host's input-idle signal.
func WithConsiderInput(consider bool) Option {
	return func(t *Tracker) { t.considerInput = consider }
}

// New creates a Tracker. Call Attach before feeding events.
func New(h host.Host, opts ...Option) *Tracker {
	t := &Tracker{
		h:                h,
		logger:           slog.Default(),
		now:              func() int64 { return time.Now().UnixMilli() },
		activeSurface:    host.NoSurface,
		focusedContainer: host.NoContainer,
		inputActive:      true,
		attending:        host.NoSurface,
		surfaces:         make(map[host.SurfaceID]*surfaceState),
		containers:       make(map[host.ContainerID]*containerState),
	}
	for _, o := range opts {
		o(t)
	}

	t.visitStart = events.New("visit-start",
		events.WithLogger[VisitStart](t.logger),
		events.WithPrime[VisitStart](t.primeVisitStart))
	t.visitStop = events.New("visit-stop", events.WithLogger[VisitStop](t.logger))
	t.attentionStart = events.New("attention-start",
		events.WithLogger[AttentionStart](t.logger),
		events.WithPrime[AttentionStart](t.primeAttentionStart))
	t.attentionStop = events.New("attention-stop", events.WithLogger[AttentionStop](t.logger))
	t.audioUpdate = events.New("audio-update", events.WithLogger[AudioUpdate](t.logger))
	return t
}

// OnVisitStart returns the visit-start emitter. A newly added listener is
// immediately notified about currently open surfaces, with the
// registration time as the synthetic event timestamp.
func (t *Tracker) OnVisitStart() *events.Emitter[VisitStart] { return t.visitStart }

// OnVisitStop returns the visit-stop emitter.
func (t *Tracker) OnVisitStop() *events.Emitter[VisitStop] { return t.visitStop }

// OnAttentionStart returns the attention-start emitter. A newly added
// listener is immediately notified about the currently attended surface.
func (t *Tracker) OnAttentionStart() *events.Emitter[AttentionStart] { return t.attentionStart }

// OnAttentionStop returns the attention-stop emitter.
func (t *Tracker) OnAttentionStop() *events.Emitter[AttentionStop] { return t.attentionStop }

// OnAudioUpdate returns the audio emitter.
func (t *Tracker) OnAudioUpdate() *events.Emitter[AudioUpdate] { return t.audioUpdate }

func (t *Tracker) primeVisitStart(notify func(VisitStart)) {
	at := t.now()
	for id, st := range t.surfaces {
		notify(VisitStart{
			Surface:   id,
			Container: st.container,
			URL:       st.url,
			Referrer:  st.referrer,
			Private:   st.private,
			At:        at,
		})
	}
}

func (t *Tracker) primeAttentionStart(notify func(AttentionStart)) {
	if t.attending == host.NoSurface {
		return
	}
	notify(AttentionStart{
		Surface:   t.attending,
		Container: t.focusedContainer,
		At:        t.now(),
	})
}

// Attach initializes tracker state from host queries. Each query failure
// degrades to "none" rather than propagating.
func (t *Tracker) Attach(ctx context.Context) {
	focused, err := t.h.FocusedContainer(ctx)
	if err != nil {
		t.logger.Warn("attention: focused container query failed", "error", err)
		focused = host.NoContainer
	}
	t.focusedContainer = focused

	if focused != host.NoContainer {
		info, err := t.h.ContainerInfo(ctx, focused)
		if err != nil {
			t.logger.Warn("attention: container info query failed",
				"container", focused, "error", err)
			t.activeSurface = host.NoSurface
		} else {
			t.mergeContainer(focused, info.Kind, info.ActiveSurface)
			t.activeSurface = info.ActiveSurface
		}
	}

	input, err := t.h.InputActive(ctx)
	if err != nil {
		t.logger.Warn("attention: input state query failed", "error", err)
		input = true
	}
	t.inputActive = input

	if t.hasAttention(t.activeSurface, t.focusedContainer) {
		t.startSpan(t.activeSurface, t.now())
	}
}

// hasAttention is the attention predicate: the surface is the focused
// container's active surface, and (optionally) global input is active.
func (t *Tracker) hasAttention(s host.SurfaceID, c host.ContainerID) bool {
	if s == host.NoSurface || c == host.NoContainer {
		return false
	}
	if s != t.activeSurface || c != t.focusedContainer {
		return false
	}
	if t.considerInput && !t.inputActive {
		return false
	}
	return true
}

// Attending returns the surface currently holding an open attention span.
func (t *Tracker) Attending() host.SurfaceID { return t.attending }

// HandleSurfaceCreated begins tracking a surface and fires visit-start.
func (t *Tracker) HandleSurfaceCreated(e host.SurfaceCreated) {
	id := e.Surface.ID
	if _, dup := t.surfaces[id]; dup {
		// Should not happen; favor availability and overwrite stale state.
		t.logger.Warn("attention: duplicate surface create", "surface", id)
		t.visitStop.Emit(VisitStop{Surface: id, At: e.At})
	}
	st := &surfaceState{
		url:       host.CanonicalizeURL(e.Surface.URL),
		container: e.Surface.Container,
		private:   e.Surface.Private,
	}
	t.surfaces[id] = st
	t.visitStart.Emit(VisitStart{
		Surface:   id,
		Container: st.container,
		URL:       st.url,
		Private:   st.private,
		At:        e.At,
	})
}

// HandleSurfaceUpdated processes a URL and/or audio change for a surface.
// A URL change (ordinary or same-document) restarts the surface's visit;
// a hash-only change is ignored. All events fired for one transition
// share the event timestamp.
func (t *Tracker) HandleSurfaceUpdated(e host.SurfaceUpdated) {
	st, ok := t.surfaces[e.Surface]
	if !ok {
		t.logger.Warn("attention: update for untracked surface", "surface", e.Surface)
		st = &surfaceState{container: host.NoContainer}
		t.surfaces[e.Surface] = st
	}

	if e.Audible != nil {
		t.audioUpdate.Emit(AudioUpdate{Surface: e.Surface, Audible: *e.Audible, At: e.At})
	}

	if e.URL == "" {
		return
	}
	canon := host.CanonicalizeURL(e.URL)
	if canon == st.url {
		return // hash-only navigation
	}

	had := t.hasAttention(e.Surface, st.container)
	if had && t.attending == e.Surface {
		t.stopSpan(st.container, e.At)
	}

	// An empty recorded URL means no visit ever started on this surface
	// (the update itself synthesized the state); there is nothing to stop.
	if st.url != "" {
		t.visitStop.Emit(VisitStop{Surface: e.Surface, At: e.At})
	}
	st.referrer = st.url
	st.url = canon
	t.visitStart.Emit(VisitStart{
		Surface:   e.Surface,
		Container: st.container,
		URL:       canon,
		Referrer:  st.referrer,
		Private:   st.private,
		At:        e.At,
	})

	// Attention does not depend on the URL, so the post state equals the
	// pre state; the stop/start pair brackets the visit change.
	if t.hasAttention(e.Surface, st.container) {
		t.startSpan(e.Surface, e.At)
	}
}

// HandleSurfaceRemoved stops the surface's visit and any open attention
// span, and forgets it as the active surface if it was.
func (t *Tracker) HandleSurfaceRemoved(e host.SurfaceRemoved) {
	st, ok := t.surfaces[e.Surface]
	if !ok {
		return
	}
	if t.attending == e.Surface {
		t.stopSpan(st.container, e.At)
	}
	t.visitStop.Emit(VisitStop{Surface: e.Surface, At: e.At})
	delete(t.surfaces, e.Surface)

	if t.activeSurface == e.Surface {
		t.activeSurface = host.NoSurface
	}
	if cs, ok := t.containers[st.container]; ok && cs.activeSurface == e.Surface {
		cs.activeSurface = host.NoSurface
	}
}

// HandleSurfaceActivated processes a change of the active surface within
// a container.
func (t *Tracker) HandleSurfaceActivated(e host.SurfaceActivated) {
	t.mergeContainer(e.Container, host.KindUnknown, e.Surface)

	if e.Container != t.focusedContainer {
		return // activation in a background container; cache already updated
	}

	if t.attending != host.NoSurface {
		t.stopSpan(t.focusedContainer, e.At)
	}
	t.activeSurface = e.Surface
	if t.hasAttention(e.Surface, e.Container) {
		t.startSpan(e.Surface, e.At)
	}
}

// HandleContainerFocused processes an OS-level focus change. The newly
// focused container's kind and active surface are re-derived from the
// host; a failed query means "not a container" and is remembered as
// none/none.
func (t *Tracker) HandleContainerFocused(ctx context.Context, e host.ContainerFocused) {
	if t.attending != host.NoSurface {
		t.stopSpan(t.focusedContainer, e.At)
	}

	if e.Container == host.NoContainer {
		t.focusedContainer = host.NoContainer
		t.activeSurface = host.NoSurface
		return
	}

	info, err := t.h.ContainerInfo(ctx, e.Container)
	if err != nil {
		// Non-host window (or the container vanished mid-query).
		t.logger.Debug("attention: container query failed, treating as non-container",
			"container", e.Container, "error", err)
		t.focusedContainer = host.NoContainer
		t.activeSurface = host.NoSurface
		return
	}

	t.mergeContainer(e.Container, info.Kind, info.ActiveSurface)
	t.focusedContainer = e.Container
	t.activeSurface = t.containers[e.Container].activeSurface

	if t.hasAttention(t.activeSurface, t.focusedContainer) {
		t.startSpan(t.activeSurface, e.At)
	}
}

// HandleContainerRemoved forgets a container's cached metadata.
func (t *Tracker) HandleContainerRemoved(e host.ContainerRemoved) {
	delete(t.containers, e.Container)
	if t.focusedContainer == e.Container {
		if t.attending != host.NoSurface {
			t.stopSpan(e.Container, e.At)
		}
		t.focusedContainer = host.NoContainer
		t.activeSurface = host.NoSurface
	}
}

// HandleInputStateChanged flips global input state, opening or closing
// the current attention span accordingly.
func (t *Tracker) HandleInputStateChanged(e host.InputStateChanged) {
	if t.inputActive == e.Active {
		return
	}
	before := t.attending != host.NoSurface
	t.inputActive = e.Active
	after := t.hasAttention(t.activeSurface, t.focusedContainer)

	if before && !after {
		t.stopSpan(t.focusedContainer, e.At)
	} else if !before && after {
		t.startSpan(t.activeSurface, e.At)
	}
}

// mergeContainer merge-updates the container cache: a more specific value
// is never overwritten by a less specific one.
func (t *Tracker) mergeContainer(id host.ContainerID, kind host.ContainerKind, active host.SurfaceID) {
	cs, ok := t.containers[id]
	if !ok {
		cs = &containerState{kind: host.KindUnknown, activeSurface: host.NoSurface}
		t.containers[id] = cs
	}
	if kind != host.KindUnknown {
		cs.kind = kind
	}
	if active != host.NoSurface {
		cs.activeSurface = active
	}
}

func (t *Tracker) startSpan(s host.SurfaceID, at int64) {
	if t.attending != host.NoSurface {
		// Should not happen: spans must alternate. Close the stale one.
		t.logger.Warn("attention: span already open", "surface", t.attending)
		t.attentionStop.Emit(AttentionStop{Surface: t.attending, Container: t.focusedContainer, At: at})
	}
	t.attending = s
	t.attentionStart.Emit(AttentionStart{Surface: s, Container: t.focusedContainer, At: at})
}

func (t *Tracker) stopSpan(c host.ContainerID, at int64) {
	if t.attending == host.NoSurface {
		return
	}
	s := t.attending
	t.attending = host.NoSurface
	t.attentionStop.Emit(AttentionStop{Surface: s, Container: c, At: at})
}
