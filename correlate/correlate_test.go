package correlate

import (
	"testing"

	"github.com/hazyhaar/pagetrace/host"
)

func baseShadow() Shadow {
	return Shadow{
		PageID:  "page-self",
		URL:     "https://dest.example/page",
		Start:   10_000,
		ReadyAt: 10_000,
	}
}

func baseMessage() TransitionInfo {
	return TransitionInfo{
		MsgKind: KindTransitionInfo,
		URL:     "https://dest.example/page",
		At:      10_000,
		Type:    host.TransitionType("link"),
	}
}

func TestValidateURLMismatchDefers(t *testing.T) {
	a := NewAgent(nil)
	msg := baseMessage()
	msg.URL = "https://other.example/"

	if _, ok := a.Evaluate(msg, baseShadow()); ok {
		t.Fatal("mismatched URL must not produce a record")
	}
	if a.pending == nil {
		t.Fatal("failed message must be cached for one replay")
	}
}

func TestOrdinaryTimestampBoundary(t *testing.T) {
	for _, tc := range []struct {
		skew   int64
		accept bool
	}{
		{200, true},
		{201, false},
		{-200, true},
		{-201, false},
	} {
		a := NewAgent(nil)
		msg := baseMessage()
		msg.At = baseShadow().ReadyAt + tc.skew

		_, ok := a.Evaluate(msg, baseShadow())
		if ok != tc.accept {
			t.Errorf("skew %dms: accepted=%v, want %v", tc.skew, ok, tc.accept)
		}
	}
}

func TestSameDocTimestampBoundary(t *testing.T) {
	for _, tc := range []struct {
		skew   int64
		accept bool
	}{
		{1, true},
		{2, false},
	} {
		a := NewAgent(nil)
		shadow := baseShadow()
		shadow.SameDoc = true
		msg := baseMessage()
		msg.SameDoc = true
		msg.At = shadow.Start + tc.skew

		_, ok := a.Evaluate(msg, shadow)
		if ok != tc.accept {
			t.Errorf("same-doc skew %dms: accepted=%v, want %v", tc.skew, ok, tc.accept)
		}
	}
}

func TestSameDocDisagreementRejected(t *testing.T) {
	a := NewAgent(nil)
	shadow := baseShadow() // local shadow says ordinary navigation
	msg := baseMessage()
	msg.SameDoc = true

	if _, ok := a.Evaluate(msg, shadow); ok {
		t.Fatal("same-doc claim must match the local shadow")
	}
}

func TestNeverReEmitsForSamePageID(t *testing.T) {
	a := NewAgent(nil)

	if _, ok := a.Evaluate(baseMessage(), baseShadow()); !ok {
		t.Fatal("first evaluation should succeed")
	}
	if _, ok := a.Evaluate(baseMessage(), baseShadow()); ok {
		t.Fatal("re-validating an already-correlated message must not emit again")
	}
}

func TestReplayConsumedOnce(t *testing.T) {
	a := NewAgent(nil)
	msg := baseMessage()
	msg.URL = "https://late.example/" // fails against the current shadow

	if _, ok := a.Evaluate(msg, baseShadow()); ok {
		t.Fatal("should fail validation")
	}

	// The next visit-start carries the URL the message was about.
	next := Shadow{PageID: "page-next", URL: "https://late.example/", Start: 10_050, ReadyAt: 10_050}
	rec, ok := a.OnVisitStart(next)
	if !ok {
		t.Fatal("replay against the next visit-start should succeed")
	}
	if rec.PageID != "page-next" {
		t.Fatalf("record attributed to wrong page: %q", rec.PageID)
	}

	// The cache holds a single message; a second visit-start finds none.
	if _, ok := a.OnVisitStart(next); ok {
		t.Fatal("replay cache must be consumed after one retry")
	}
}

func TestTabSourceUsesOpenTimeForNewSurfaces(t *testing.T) {
	// S1 shows P1 (start t=0); S1 opens S2 at t=50; P2 is content-ready in
	// S2 at t=90; another page P3 loads in S1 at t=70, after S2 was
	// spawned. P2's tab-source must be P1, compared against the opening
	// time t=50 rather than P2's own start.
	a := NewAgent(nil)
	shadow := Shadow{PageID: "p2", URL: "https://dest.example/page", Start: 90, ReadyAt: 90}
	msg := TransitionInfo{
		MsgKind:     KindTransitionInfo,
		URL:         "https://dest.example/page",
		At:          90,
		NewlyOpened: true,
		OpenedAt:    50,
		TabHistory: []VisitSummary{
			{PageID: "p1", URL: "https://src.example/a", Start: 0},
			{PageID: "p3", URL: "https://src.example/b", Start: 70},
		},
	}

	rec, ok := a.Evaluate(msg, shadow)
	if !ok {
		t.Fatal("evaluation should succeed")
	}
	if rec.TabSource.PageID != "p1" {
		t.Fatalf("tab-source = %q, want p1", rec.TabSource.PageID)
	}
}

func TestTabSourceExcludesSelf(t *testing.T) {
	a := NewAgent(nil)
	shadow := baseShadow()
	msg := baseMessage()
	msg.TabHistory = []VisitSummary{
		{PageID: shadow.PageID, URL: shadow.URL, Start: shadow.Start},
		{PageID: "prior", URL: "https://src.example/", Start: 9000},
	}

	rec, ok := a.Evaluate(msg, shadow)
	if !ok {
		t.Fatal("evaluation should succeed")
	}
	if rec.TabSource.PageID != "prior" {
		t.Fatalf("tab-source = %q, want prior", rec.TabSource.PageID)
	}
}

func TestClickWindow(t *testing.T) {
	for _, tc := range []struct {
		ready int64
		want  bool
	}{
		{4000, true},  // click at 1000, 3000ms earlier
		{7000, false}, // 6000ms earlier, outside the window
	} {
		a := NewAgent(nil)
		shadow := Shadow{PageID: "p2", URL: "https://dest.example/page", Start: tc.ready, ReadyAt: tc.ready}
		msg := TransitionInfo{
			MsgKind: KindTransitionInfo,
			URL:     "https://dest.example/page",
			At:      tc.ready,
			TabHistory: []VisitSummary{
				{PageID: "p1", URL: "https://src.example/", Start: 0},
			},
			Clicks: []int64{1000},
		}

		rec, ok := a.Evaluate(msg, shadow)
		if !ok {
			t.Fatal("evaluation should succeed")
		}
		if rec.TabSourceClick != tc.want {
			t.Errorf("ready=%d: tabSourceClick=%v, want %v", tc.ready, rec.TabSourceClick, tc.want)
		}
	}
}

func TestSameDocClickUsesLocalRetainedClick(t *testing.T) {
	a := NewAgent(nil)
	a.RecordClick(9_999)

	shadow := baseShadow()
	shadow.SameDoc = true
	msg := baseMessage()
	msg.SameDoc = true
	msg.Clicks = nil // live list is not consulted for same-doc
	msg.TabHistory = []VisitSummary{{PageID: "p1", URL: "https://src.example/", Start: 0}}

	rec, ok := a.Evaluate(msg, shadow)
	if !ok {
		t.Fatal("evaluation should succeed")
	}
	if !rec.TabSourceClick {
		t.Fatal("locally retained click should qualify for same-doc navigation")
	}
}

func TestDualTimeSources(t *testing.T) {
	a := NewAgent(nil)
	shadow := Shadow{PageID: "p3", URL: "https://dest.example/page", Start: 700, ReadyAt: 700}
	msg := TransitionInfo{
		MsgKind: KindTransitionInfo,
		URL:     "https://dest.example/page",
		At:      700,
		Global: []PageRecord{
			{PageID: "priv", URL: "https://private.example/", Start: 500, Private: true},
			{PageID: "pub", URL: "https://public.example/", Start: 600},
		},
	}

	rec, ok := a.Evaluate(msg, shadow)
	if !ok {
		t.Fatal("evaluation should succeed")
	}
	if rec.TimeSource.PageID != "pub" {
		t.Errorf("time-source = %q, want pub", rec.TimeSource.PageID)
	}
	if rec.TimeSourceNonPrivate.PageID != "pub" {
		t.Errorf("non-private time-source = %q, want pub", rec.TimeSourceNonPrivate.PageID)
	}
}

func TestNonPrivateTimeSourceEmptyWhenOnlyPrivate(t *testing.T) {
	a := NewAgent(nil)
	shadow := Shadow{PageID: "p3", URL: "https://dest.example/page", Start: 700, ReadyAt: 700}
	msg := TransitionInfo{
		MsgKind: KindTransitionInfo,
		URL:     "https://dest.example/page",
		At:      700,
		Global: []PageRecord{
			{PageID: "priv", URL: "https://private.example/", Start: 600, Private: true},
		},
	}

	rec, ok := a.Evaluate(msg, shadow)
	if !ok {
		t.Fatal("evaluation should succeed")
	}
	if rec.TimeSource.PageID != "priv" {
		t.Errorf("global time-source = %q, want priv", rec.TimeSource.PageID)
	}
	if rec.TimeSourceNonPrivate.PageID != "" {
		t.Errorf("non-private time-source must stay empty, got %q", rec.TimeSourceNonPrivate.PageID)
	}
}

func TestMalformedMessageIgnored(t *testing.T) {
	a := NewAgent(nil)
	msg := baseMessage()
	msg.MsgKind = "bogus"

	if _, ok := a.Evaluate(msg, baseShadow()); ok {
		t.Fatal("malformed message must be ignored")
	}
	if a.pending != nil {
		t.Fatal("malformed message must not be cached for replay")
	}
}

func TestCorrelatorPairsCommitWithContentReady(t *testing.T) {
	c := New()
	c.RecordCommit(host.NavigationCommitted{
		Surface: 1, URL: "https://dest.example/page",
		Type: "link", Qualifiers: []string{"from_address_bar"}, At: 9_900,
	})
	c.RecordVisitStart(1, PageRecord{PageID: "p0", URL: "https://src.example/", Start: 9_000})

	msg := c.BuildMessage(host.ContentReady{Surface: 1, URL: "https://dest.example/page", At: 10_000},
		host.SurfaceInfo{ID: 1, Opener: host.NoSurface}, "p1")

	if msg.Type != "link" || len(msg.Qualifiers) != 1 {
		t.Fatalf("commit not paired: %+v", msg)
	}
	if len(msg.TabHistory) != 1 || msg.TabHistory[0].PageID != "p0" {
		t.Fatalf("unexpected tab history: %+v", msg.TabHistory)
	}
	if msg.NewlyOpened {
		t.Fatal("surface without opener cannot be newly opened")
	}
}

func TestCorrelatorUsesOpenerHistoryForNewSurfaces(t *testing.T) {
	c := New()
	c.RecordVisitStart(1, PageRecord{PageID: "p1", URL: "https://opener.example/", Start: 0})
	c.RecordClick(1, 9_950)
	// Surface 2 only knows about the page being attributed.
	c.RecordVisitStart(2, PageRecord{PageID: "p2", URL: "https://dest.example/", Start: 9_990})

	msg := c.BuildMessage(host.ContentReady{Surface: 2, URL: "https://dest.example/", At: 10_000},
		host.SurfaceInfo{ID: 2, Opener: 1, OpenedAt: 9_960}, "p2")

	if !msg.NewlyOpened || msg.OpenedAt != 9_960 {
		t.Fatalf("expected newly-opened message, got %+v", msg)
	}
	if len(msg.TabHistory) != 1 || msg.TabHistory[0].PageID != "p1" {
		t.Fatalf("expected opener history, got %+v", msg.TabHistory)
	}
	if len(msg.Clicks) != 1 || msg.Clicks[0] != 9_950 {
		t.Fatalf("expected opener clicks, got %v", msg.Clicks)
	}
}

func TestGlobalCachePruneRetainsMostRecentPair(t *testing.T) {
	c := New()
	c.RecordVisitStart(1, PageRecord{PageID: "old-pub", URL: "https://a.example/", Start: 1_000})
	c.RecordVisitStart(2, PageRecord{PageID: "old-priv", URL: "https://b.example/", Start: 2_000, Private: true})
	c.RecordVisitStart(3, PageRecord{PageID: "latest-priv", URL: "https://c.example/", Start: 9_000, Private: true})

	// Content-ready far in the future: everything is older than the TTL.
	msg := c.BuildMessage(host.ContentReady{Surface: 3, URL: "https://c.example/", At: 60_000},
		host.SurfaceInfo{ID: 3, Opener: host.NoSurface}, "latest-priv")
	_ = msg

	// A later message still sees the retained pair.
	msg2 := c.BuildMessage(host.ContentReady{Surface: 3, URL: "https://c.example/", At: 61_000},
		host.SurfaceInfo{ID: 3, Opener: host.NoSurface}, "latest-priv")

	ids := make(map[string]bool)
	for _, r := range msg2.Global {
		ids[r.PageID] = true
	}
	if !ids["latest-priv"] {
		t.Error("most recent entry overall must survive pruning")
	}
	if !ids["old-pub"] {
		t.Error("most recent non-private entry must survive pruning")
	}
	if ids["old-priv"] {
		t.Error("stale private entry should have been pruned")
	}
}
