// Package visitstore persists finalized page visits and transition
// records. A Sink receives each record exactly once from the session
// goroutine; implementations decide durability and batching.
package visitstore

import (
	"context"
	"errors"

	"github.com/hazyhaar/pagetrace/visit"
)

// Sink receives finalized records. Implementations must be safe to call
// from a single goroutine and must tolerate Close being called once.
type Sink interface {
	SavePageVisit(ctx context.Context, v visit.PageVisit) error
	SaveTransition(ctx context.Context, r visit.TransitionRecord) error
	Close() error
}

// Router fans records out to several sinks. Errors are collected, not
// short-circuited: one failing backend never starves the others.
type Router struct {
	sinks []Sink
}

// NewRouter creates a Router over the given sinks.
func NewRouter(sinks ...Sink) *Router {
	return &Router{sinks: sinks}
}

// SavePageVisit delivers v to every sink.
func (r *Router) SavePageVisit(ctx context.Context, v visit.PageVisit) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.SavePageVisit(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveTransition delivers rec to every sink.
func (r *Router) SaveTransition(ctx context.Context, rec visit.TransitionRecord) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.SaveTransition(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
