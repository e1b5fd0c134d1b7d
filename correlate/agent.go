package correlate

import (
	"log/slog"

	"github.com/hazyhaar/pagetrace/visit"
)

// Agent is the observing-context half of the protocol. One Agent lives in
// each surface's mirror goroutine; it validates forwarded TransitionInfo
// messages against the local shadow and computes the attribution record.
//
// Failure semantics are best-effort: a message that fails validation is
// cached for exactly one replay against the next visit-start, then
// dropped silently.
type Agent struct {
	logger *slog.Logger

	// emitted is an arena of pageIDs already attributed, cleared on
	// visit-stop. A pageID is never attributed twice.
	emitted map[string]bool

	// pending holds at most one message awaiting replay.
	pending *TransitionInfo

	// lastClick is the single most recent click retained locally, used
	// for same-document navigations where the live click list from the
	// orchestrator describes the previous full load.
	lastClick int64
}

// NewAgent creates an Agent.
func NewAgent(logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		logger:  logger,
		emitted: make(map[string]bool),
	}
}

// RecordClick retains the most recent locally observed click.
func (a *Agent) RecordClick(at int64) { a.lastClick = at }

// Evaluate validates msg against the shadow and, on success, returns the
// attribution record. On validation failure the message is cached for one
// replay and (nil, false) is returned.
func (a *Agent) Evaluate(msg TransitionInfo, shadow Shadow) (*visit.TransitionRecord, bool) {
	if !msg.Valid() {
		a.logger.Debug("correlate: malformed message ignored")
		return nil, false
	}
	if a.emitted[shadow.PageID] {
		// Exactly one record per page visit; never re-emit.
		return nil, false
	}
	if !a.validate(msg, shadow) {
		a.pending = &msg
		return nil, false
	}
	a.pending = nil
	a.emitted[shadow.PageID] = true
	rec := a.attribute(msg, shadow)
	return &rec, true
}

// OnVisitStart replays the cached message, if any, against the new
// shadow. The cache covers the common race where the forwarded message
// arrives before the local shadow exists; it is consumed whether or not
// the replay succeeds.
func (a *Agent) OnVisitStart(shadow Shadow) (*visit.TransitionRecord, bool) {
	if a.pending == nil {
		return nil, false
	}
	msg := *a.pending
	a.pending = nil

	if !msg.Valid() || a.emitted[shadow.PageID] || !a.validate(msg, shadow) {
		return nil, false
	}
	a.emitted[shadow.PageID] = true
	rec := a.attribute(msg, shadow)
	return &rec, true
}

// OnVisitStop clears the per-page arena entry. Bookkeeping is explicitly
// cleared rather than left to grow.
func (a *Agent) OnVisitStop(pageID string) {
	delete(a.emitted, pageID)
}

func (a *Agent) validate(msg TransitionInfo, shadow Shadow) bool {
	if msg.URL != shadow.URL {
		a.logger.Debug("correlate: url mismatch",
			"forwarded", msg.URL, "local", shadow.URL)
		return false
	}
	if msg.SameDoc {
		if !shadow.SameDoc {
			a.logger.Debug("correlate: same-doc disagreement", "page", shadow.PageID)
			return false
		}
		if absDiff(msg.At, shadow.Start) > SameDocTolerance {
			a.logger.Debug("correlate: same-doc timestamp skew",
				"forwarded", msg.At, "local", shadow.Start)
			return false
		}
		return true
	}
	if absDiff(msg.At, shadow.ReadyAt) > OrdinaryTolerance {
		a.logger.Debug("correlate: timestamp skew",
			"forwarded", msg.At, "local", shadow.ReadyAt)
		return false
	}
	return true
}

func (a *Agent) attribute(msg TransitionInfo, shadow Shadow) visit.TransitionRecord {
	rec := visit.TransitionRecord{
		PageID:          shadow.PageID,
		URL:             shadow.URL,
		Referrer:        shadow.Referrer,
		IsHistoryChange: msg.SameDoc,
		Type:            msg.Type,
		Qualifiers:      msg.Qualifiers,
	}

	// Tab-source: the latest page in this surface's (or its opener's)
	// history that started no later than the comparison time. For a
	// newly opened surface the comparison time is the opening time, not
	// this page's start, so a page that loaded in the opener after this
	// surface was spawned cannot be misattributed.
	cmp := shadow.Start
	if msg.NewlyOpened {
		cmp = msg.OpenedAt
	}
	var tab *VisitSummary
	for i := range msg.TabHistory {
		cand := &msg.TabHistory[i]
		if cand.PageID == shadow.PageID || cand.Start > cmp {
			continue
		}
		if tab == nil || cand.Start > tab.Start {
			tab = cand
		}
	}
	if tab != nil {
		rec.TabSource = visit.SourceRef{PageID: tab.PageID, URL: tab.URL}
		rec.TabSourceClick = a.clickNear(msg)
	}

	// Time-source: the most recent page load anywhere, tracked twice
	// (over all surfaces and restricted to non-private surfaces) so a
	// consumer scoped to non-private data never sees private URLs.
	var all, nonPrivate *PageRecord
	for i := range msg.Global {
		cand := &msg.Global[i]
		if cand.PageID == shadow.PageID || cand.Start > shadow.Start {
			continue
		}
		if all == nil || cand.Start > all.Start {
			all = cand
		}
		if !cand.Private && (nonPrivate == nil || cand.Start > nonPrivate.Start) {
			nonPrivate = cand
		}
	}
	if all != nil {
		rec.TimeSource = visit.SourceRef{PageID: all.PageID, URL: all.URL}
	}
	if nonPrivate != nil {
		rec.TimeSourceNonPrivate = visit.SourceRef{PageID: nonPrivate.PageID, URL: nonPrivate.URL}
	}

	return rec
}

// clickNear reports whether a qualifying click or Enter press fell within
// the click window before the forwarded timestamp. Same-document
// navigations consult the locally retained click only, since the live
// list describes the previous full load.
func (a *Agent) clickNear(msg TransitionInfo) bool {
	times := msg.Clicks
	if msg.SameDoc {
		if a.lastClick == 0 {
			return false
		}
		times = []int64{a.lastClick}
	}
	for _, t := range times {
		if t <= msg.At && msg.At-t <= ClickWindow {
			return true
		}
	}
	return false
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
