package visitstore

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/hazyhaar/pagetrace/visit"
)

// Writer emits one JSON line per record to an io.Writer, each wrapped in
// a small envelope naming the record kind. Useful for piping into jq or
// a log shipper.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type envelope struct {
	Kind       string                  `json:"kind"`
	PageVisit  *visit.PageVisit        `json:"page_visit,omitempty"`
	Transition *visit.TransitionRecord `json:"transition,omitempty"`
}

// NewWriter creates a line-oriented JSON sink over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// SavePageVisit writes v as one JSON line.
func (s *Writer) SavePageVisit(_ context.Context, v visit.PageVisit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Kind: "page_visit", PageVisit: &v})
}

// SaveTransition writes rec as one JSON line.
func (s *Writer) SaveTransition(_ context.Context, rec visit.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Kind: "transition", Transition: &rec})
}

// Close is a no-op; the Writer does not own the underlying stream.
func (s *Writer) Close() error { return nil }
