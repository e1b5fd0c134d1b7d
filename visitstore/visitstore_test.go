package visitstore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagetrace/dbopen"
	"github.com/hazyhaar/pagetrace/visit"
	"github.com/hazyhaar/pagetrace/visitstore"
)

func sampleVisit() visit.PageVisit {
	return visit.PageVisit{
		PageID:   "p1",
		Surface:  7,
		URL:      "https://example.com/article",
		Referrer: "https://example.com/",
		Start:    1000,
		Stop:     9000,
		Attention: []visit.Span{
			{Start: 1000, End: 3000},
			{Start: 5000, End: 6000},
		},
		Audio:   []visit.Span{{Start: 2000, End: 2500}},
		Private: false,
	}
}

func sampleTransition() visit.TransitionRecord {
	return visit.TransitionRecord{
		PageID:         "p1",
		URL:            "https://example.com/article",
		Type:           "link",
		Qualifiers:     []string{"from_address_bar"},
		TabSource:      visit.SourceRef{PageID: "p0", URL: "https://example.com/"},
		TabSourceClick: true,
		TimeSource:     visit.SourceRef{PageID: "p0", URL: "https://example.com/"},
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(visitstore.Schema))
	s := visitstore.NewSQLite(db, nil)
	ctx := context.Background()

	if err := s.SavePageVisit(ctx, sampleVisit()); err != nil {
		t.Fatalf("SavePageVisit: %v", err)
	}
	if err := s.SaveTransition(ctx, sampleTransition()); err != nil {
		t.Fatalf("SaveTransition: %v", err)
	}
	if err := s.Close(); err != nil { // drains the buffer
		t.Fatalf("Close: %v", err)
	}

	visits, err := s.RecentVisits(ctx, 10)
	if err != nil {
		t.Fatalf("RecentVisits: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("got %d visits, want 1", len(visits))
	}
	got := visits[0]
	want := sampleVisit()
	if got.PageID != want.PageID || got.URL != want.URL || got.Surface != want.Surface {
		t.Errorf("visit mismatch: %+v", got)
	}
	if len(got.Attention) != 2 || got.Attention[1] != (visit.Span{Start: 5000, End: 6000}) {
		t.Errorf("attention spans: %+v", got.Attention)
	}

	var attnMs int64
	if err := db.QueryRow(`SELECT attention_ms FROM page_visits WHERE page_id = 'p1'`).Scan(&attnMs); err != nil {
		t.Fatal(err)
	}
	if attnMs != 3000 {
		t.Errorf("attention_ms = %d, want 3000", attnMs)
	}

	recs, err := s.RecentTransitions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d transitions, want 1", len(recs))
	}
	tr := recs[0]
	if tr.Type != "link" || !tr.TabSourceClick || tr.TabSource.PageID != "p0" {
		t.Errorf("transition mismatch: %+v", tr)
	}
	if len(tr.Qualifiers) != 1 || tr.Qualifiers[0] != "from_address_bar" {
		t.Errorf("qualifiers: %v", tr.Qualifiers)
	}
	if tr.TimeSourceNonPrivate.PageID != "" {
		t.Errorf("empty source must round-trip empty: %+v", tr.TimeSourceNonPrivate)
	}
}

func TestSQLiteReplacesOnSamePageID(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(visitstore.Schema))
	s := visitstore.NewSQLite(db, nil)
	ctx := context.Background()

	v := sampleVisit()
	s.SavePageVisit(ctx, v)
	v.Stop = 12000
	s.SavePageVisit(ctx, v)
	s.Close()

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM page_visits`).Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1 (replace on same page_id)", count)
	}
	var stop int64
	db.QueryRow(`SELECT stop_ms FROM page_visits WHERE page_id = 'p1'`).Scan(&stop)
	if stop != 12000 {
		t.Fatalf("stop_ms = %d, want 12000", stop)
	}
}

func TestSQLiteConcurrentSinksShareDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visits.db")
	db1, err := dbopen.Open(path, dbopen.WithSchema(visitstore.Schema))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db1.Close() })
	db2, err := dbopen.Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { db2.Close() })

	// Two sinks on separate connections to the same file: their batch
	// transactions contend for the write lock.
	s1 := visitstore.NewSQLite(db1, nil)
	s2 := visitstore.NewSQLite(db2, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		v := sampleVisit()
		v.PageID = fmt.Sprintf("p%d", i)
		if i%2 == 0 {
			s1.SavePageVisit(ctx, v)
		} else {
			s2.SavePageVisit(ctx, v)
		}
	}
	s1.Close()
	s2.Close()

	var count int
	if err := db1.QueryRow(`SELECT COUNT(*) FROM page_visits`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 50 {
		t.Fatalf("count = %d, want 50", count)
	}
}

func TestWriterEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := visitstore.NewWriter(&buf)
	ctx := context.Background()

	if err := s.SavePageVisit(ctx, sampleVisit()); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTransition(ctx, sampleTransition()); err != nil {
		t.Fatal(err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first struct {
		Kind      string           `json:"kind"`
		PageVisit *visit.PageVisit `json:"page_visit"`
	}
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Kind != "page_visit" || first.PageVisit == nil || first.PageVisit.PageID != "p1" {
		t.Errorf("unexpected first line: %s", lines[0])
	}
}

type failingSink struct{ err error }

func (f failingSink) SavePageVisit(context.Context, visit.PageVisit) error { return f.err }

func (f failingSink) SaveTransition(context.Context, visit.TransitionRecord) error { return f.err }

func (f failingSink) Close() error { return f.err }

func TestRouterDeliversDespiteFailure(t *testing.T) {
	var buf bytes.Buffer
	ok := visitstore.NewWriter(&buf)
	bad := failingSink{err: errors.New("backend down")}

	r := visitstore.NewRouter(bad, ok)
	err := r.SavePageVisit(context.Background(), sampleVisit())
	if err == nil {
		t.Fatal("expected joined error from failing sink")
	}
	if buf.Len() == 0 {
		t.Fatal("healthy sink must still receive the record")
	}
}
