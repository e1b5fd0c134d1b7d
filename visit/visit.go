// Package visit defines the finalized data model of the instrumentation
// core: one PageVisit per page lifetime in a surface, and at most one
// TransitionRecord attributing what caused it. These are the values
// handed to persistence sinks and exposed to measurement modules.
package visit

import "github.com/hazyhaar/pagetrace/host"

// Span is a half-open interval of engagement in unix milliseconds.
// End is zero while the span is still open.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PageVisit is one page's lifetime in a surface. Attention and Audio
// spans are ordered and never overlap.
type PageVisit struct {
	PageID          string         `json:"page_id"`
	Surface         host.SurfaceID `json:"surface"`
	URL             string         `json:"url"` // canonical (hash stripped)
	Referrer        string         `json:"referrer"`
	Start           int64          `json:"start"`
	Stop            int64          `json:"stop"` // zero while open
	Attention       []Span         `json:"attention,omitempty"`
	Audio           []Span         `json:"audio,omitempty"`
	IsHistoryChange bool           `json:"is_history_change"`
	Private         bool           `json:"private"`
}

// SourceRef points at a prior page selected by an attribution heuristic.
// Empty fields mean "no source found".
type SourceRef struct {
	PageID string `json:"page_id"`
	URL    string `json:"url"`
}

// TransitionRecord is the causal attribution for one PageVisit. It is
// produced at most once per PageID and never revised after emission.
//
// TimeSource is computed over all surfaces; TimeSourceNonPrivate is
// restricted to non-private surfaces, so a consumer scoped to
// non-private data never sees private URLs.
type TransitionRecord struct {
	PageID          string              `json:"page_id"`
	URL             string              `json:"url"`
	Referrer        string              `json:"referrer"`
	IsHistoryChange bool                `json:"is_history_change"`
	Type            host.TransitionType `json:"transition_type"`
	Qualifiers      []string            `json:"transition_qualifiers,omitempty"`

	TabSource      SourceRef `json:"tab_source"`
	TabSourceClick bool      `json:"tab_source_click"`

	TimeSource           SourceRef `json:"time_source"`
	TimeSourceNonPrivate SourceRef `json:"time_source_non_private"`
}
