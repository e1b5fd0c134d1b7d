// Package correlate implements the transition correlator: the
// cross-context protocol that matches a new page load against cached
// prior pages along three independent axes (tab adjacency, recency,
// click adjacency) and emits one attribution record per page load.
//
// The Correlator runs in the orchestrating context and assembles
// TransitionInfo messages; the Agent runs in each observing context and
// validates them against local shadow state.
package correlate

import "github.com/hazyhaar/pagetrace/host"

// Tolerance windows and cache bounds of the correlation protocol, in
// milliseconds.
const (
	// OrdinaryTolerance is the accepted skew between the forwarded
	// content-ready timestamp and the content context's own
	// navigation-ready timestamp for ordinary navigations.
	OrdinaryTolerance = 200

	// SameDocTolerance is the accepted skew for same-document
	// navigations, where both timestamps come from the same clock.
	SameDocTolerance = 1

	// ClickWindow is how far back a recorded click or Enter press may lie
	// and still count as having caused the navigation.
	ClickWindow = 5000

	// GlobalTTL bounds the age of entries in the global page-load cache.
	GlobalTTL = 1000
)

// Kind tags a cross-context message. Messages with an unknown kind are
// ignored on receipt, not trusted.
type Kind string

// KindTransitionInfo tags the orchestrator-to-surface forward message.
const KindTransitionInfo Kind = "transition-info"

// PageRecord is one entry of the global time-ordered page-load cache:
// {pageId, url, startTime, privacy}.
type PageRecord struct {
	PageID  string
	URL     string
	Start   int64
	Private bool
}

// VisitSummary is one entry of a per-surface visit history.
type VisitSummary struct {
	PageID string
	URL    string
	Start  int64
}

// TransitionInfo is forwarded from the orchestrating context to one
// surface's observing context when that surface's content is ready. It
// carries everything the surface-side Agent needs to attribute the load:
// the paired commit signal, a global snapshot of recent page loads, and
// the per-surface history plus click timestamps (the opener surface's,
// if this surface was newly opened).
type TransitionInfo struct {
	MsgKind    Kind
	URL        string
	At         int64 // content-ready timestamp, content-comparable clock
	Type       host.TransitionType
	Qualifiers []string
	SameDoc    bool

	// NewlyOpened is set when this surface was opened by another surface
	// and has no prior visits of its own; OpenedAt is then the opening
	// time, used as the tab-source comparison time instead of the page's
	// own start.
	NewlyOpened bool
	OpenedAt    int64

	Global     []PageRecord   // time-ordered, all surfaces
	TabHistory []VisitSummary // this surface's (or opener's) recent visits
	Clicks     []int64        // recorded click/enter timestamps
}

// Valid reports whether the message is well-formed enough to evaluate.
func (m TransitionInfo) Valid() bool {
	return m.MsgKind == KindTransitionInfo && m.URL != "" && m.At > 0
}

// Shadow is the observing context's local view of its current page,
// against which forwarded messages are validated.
type Shadow struct {
	PageID   string
	URL      string // canonical
	Referrer string
	Start    int64
	ReadyAt  int64 // local navigation-ready timestamp
	SameDoc  bool
	Private  bool
}
