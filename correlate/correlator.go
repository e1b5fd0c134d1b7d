package correlate

import (
	"log/slog"

	"github.com/hazyhaar/pagetrace/host"
	"github.com/hazyhaar/pagetrace/timecache"
)

// perSurfaceVisits bounds each surface's retained visit history.
const perSurfaceVisits = 8

// Correlator is the orchestrating-context half of the protocol. It pairs
// the two-stage navigation signals (commit, then content-ready), keeps
// the global and per-surface page-load caches, and assembles the
// TransitionInfo message forwarded to the surface's observing context.
//
// All methods must be called from the orchestrating goroutine.
type Correlator struct {
	logger *slog.Logger

	// Latest commit signal per surface. The most recent commit is assumed
	// to belong to the same navigation as the next content-ready for the
	// surface; no stronger correlation key exists across the two.
	commits map[host.SurfaceID]commitInfo

	global    *timecache.Cache[string, PageRecord]
	histories map[host.SurfaceID]*timecache.Cache[string, VisitSummary]
	clicks    map[host.SurfaceID][]int64
}

type commitInfo struct {
	url        string
	kind       host.TransitionType
	qualifiers []string
	sameDoc    bool
	at         int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		logger:    slog.Default(),
		commits:   make(map[host.SurfaceID]commitInfo),
		global:    timecache.New[string, PageRecord](),
		histories: make(map[host.SurfaceID]*timecache.Cache[string, VisitSummary]),
		clicks:    make(map[host.SurfaceID][]int64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RecordCommit captures the early half of a navigation: transition type
// and qualifiers. Its timestamp is not content-comparable, so it is only
// held for pairing with the next content-ready.
func (c *Correlator) RecordCommit(e host.NavigationCommitted) {
	c.commits[e.Surface] = commitInfo{
		url:        host.CanonicalizeURL(e.URL),
		kind:       e.Type,
		qualifiers: e.Qualifiers,
		sameDoc:    e.SameDoc,
		at:         e.At,
	}
}

// RecordVisitStart registers a page load in the global cache and the
// surface's history.
func (c *Correlator) RecordVisitStart(s host.SurfaceID, rec PageRecord) {
	c.global.Put(rec.PageID, rec.Start, rec)

	h, ok := c.histories[s]
	if !ok {
		h = timecache.New[string, VisitSummary](timecache.WithMaxEntries(perSurfaceVisits))
		c.histories[s] = h
	}
	h.Put(rec.PageID, rec.Start, VisitSummary{PageID: rec.PageID, URL: rec.URL, Start: rec.Start})
}

// RecordClick registers a click or Enter timestamp for a surface. Stale
// timestamps beyond the click window are dropped as new ones arrive.
func (c *Correlator) RecordClick(s host.SurfaceID, at int64) {
	kept := c.clicks[s][:0]
	for _, t := range c.clicks[s] {
		if at-t <= ClickWindow {
			kept = append(kept, t)
		}
	}
	c.clicks[s] = append(kept, at)
}

// SurfaceRemoved drops all per-surface bookkeeping.
func (c *Correlator) SurfaceRemoved(s host.SurfaceID) {
	delete(c.commits, s)
	delete(c.histories, s)
	delete(c.clicks, s)
}

// BuildMessage assembles the TransitionInfo for a content-ready signal,
// then prunes the global cache. info is the surface's metadata as known
// to the orchestrator; currentPageID is the surface's current page, used
// to decide whether the surface is newly opened (it has no history of
// its own beyond the page being attributed).
func (c *Correlator) BuildMessage(e host.ContentReady, info host.SurfaceInfo, currentPageID string) TransitionInfo {
	msg := TransitionInfo{
		MsgKind: KindTransitionInfo,
		URL:     host.CanonicalizeURL(e.URL),
		At:      e.At,
	}

	if commit, ok := c.commits[e.Surface]; ok {
		msg.Type = commit.kind
		msg.Qualifiers = commit.qualifiers
		msg.SameDoc = commit.sameDoc
	} else {
		c.logger.Debug("correlate: content-ready without commit", "surface", e.Surface)
	}

	for _, entry := range c.global.Recent() {
		msg.Global = append(msg.Global, entry.Value)
	}

	historyOf := e.Surface
	clicksOf := e.Surface
	if info.Opener != host.NoSurface && !c.hasPriorVisits(e.Surface, currentPageID) {
		msg.NewlyOpened = true
		msg.OpenedAt = info.OpenedAt
		historyOf = info.Opener
		clicksOf = info.Opener
	}
	if h, ok := c.histories[historyOf]; ok {
		for _, entry := range h.Recent() {
			msg.TabHistory = append(msg.TabHistory, entry.Value)
		}
	}
	msg.Clicks = append(msg.Clicks, c.clicks[clicksOf]...)

	// Prune after each cycle. The most recent entry overall and the most
	// recent non-private entry are always retained so a "most recent"
	// answer exists even under sparse traffic.
	c.global.PruneOlderThan(e.At-GlobalTTL, func(en timecache.Entry[string, PageRecord]) bool {
		return !en.Value.Private
	})

	return msg
}

func (c *Correlator) hasPriorVisits(s host.SurfaceID, currentPageID string) bool {
	h, ok := c.histories[s]
	if !ok {
		return false
	}
	for _, entry := range h.Recent() {
		if entry.Key != currentPageID {
			return true
		}
	}
	return false
}
