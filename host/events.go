package host

// Event is the tagged union of host platform signals. Consumers switch on
// the concrete type; unrecognized events are ignored, not trusted.
type Event interface {
	// When returns the host timestamp of the signal in unix milliseconds.
	When() int64
}

// SurfaceCreated fires when a new surface appears, carrying its opener
// relationship when the host knows it.
type SurfaceCreated struct {
	Surface SurfaceInfo
	At      int64
}

// SurfaceUpdated fires when a surface's visible URL or audio state
// changes. URL is empty when only audio changed; Audible is nil when
// only the URL changed.
type SurfaceUpdated struct {
	Surface SurfaceID
	URL     string
	Audible *bool
	At      int64
}

// SurfaceActivated fires when the active surface within a container
// changes.
type SurfaceActivated struct {
	Container ContainerID
	Surface   SurfaceID
	At        int64
}

// SurfaceRemoved fires when a surface closes.
type SurfaceRemoved struct {
	Surface SurfaceID
	At      int64
}

// ContainerFocused fires when OS-level focus moves to a container, or to
// NoContainer when focus leaves the host entirely.
type ContainerFocused struct {
	Container ContainerID
	At        int64
}

// ContainerRemoved fires when a container closes.
type ContainerRemoved struct {
	Container ContainerID
	At        int64
}

// InputStateChanged fires on global input idle/active transitions.
type InputStateChanged struct {
	Active bool
	At     int64
}

// NavigationCommitted is the early half of the two-stage navigation
// capture: it carries the transition type and qualifiers, but its
// timestamp is not comparable with content-side clocks.
type NavigationCommitted struct {
	Surface    SurfaceID
	URL        string
	SameDoc    bool
	Type       TransitionType
	Qualifiers []string
	At         int64
}

// ContentReady is the late half of the two-stage navigation capture: its
// timestamp is on a clock comparable with the content context. The most
// recent NavigationCommitted for the surface is assumed to belong to the
// same navigation; no stronger correlation key exists across the two.
type ContentReady struct {
	Surface SurfaceID
	URL     string
	At      int64
}

// UserInteraction fires when a click or an Enter keypress is observed in
// a surface's content.
type UserInteraction struct {
	Surface SurfaceID
	Kind    string // "click" or "enter"
	At      int64
}

func (e SurfaceCreated) When() int64      { return e.At }
func (e SurfaceUpdated) When() int64      { return e.At }
func (e SurfaceActivated) When() int64    { return e.At }
func (e SurfaceRemoved) When() int64      { return e.At }
func (e ContainerFocused) When() int64    { return e.At }
func (e ContainerRemoved) When() int64    { return e.At }
func (e InputStateChanged) When() int64   { return e.At }
func (e NavigationCommitted) When() int64 { return e.At }
func (e ContentReady) When() int64        { return e.At }
func (e UserInteraction) When() int64     { return e.At }
