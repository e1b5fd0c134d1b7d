// Package host models the signals and metadata queries the instrumentation
// core consumes from the hosting browser platform. Adapters (see rodhost)
// translate a concrete platform into this model; the core never talks to
// the platform directly.
package host

import (
	"context"
	"strings"
)

// SurfaceID identifies one tab-equivalent container that loads one page
// at a time. None means "no surface".
type SurfaceID int64

// ContainerID identifies a window-equivalent grouping of surfaces.
// None means "no container".
type ContainerID int64

// Sentinel identifiers for "no surface" / "no container".
const (
	NoSurface   SurfaceID   = -1
	NoContainer ContainerID = -1
)

// ContainerKind classifies a container. Unknown is the zero value so a
// failed metadata query naturally decays to it.
type ContainerKind int

// Container kinds.
const (
	KindUnknown ContainerKind = iota
	KindNormal
	KindPopup
	KindOther
)

func (k ContainerKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindPopup:
		return "popup"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// SurfaceInfo is the host's metadata for one surface. Opener is a weak
// back-reference: it identifies the surface that opened this one and the
// time it did so, for lookup only.
type SurfaceInfo struct {
	ID        SurfaceID
	Container ContainerID
	URL       string
	Private   bool
	Opener    SurfaceID // NoSurface if not opened by another surface
	OpenedAt  int64     // unix ms; meaningful only when Opener is set
}

// ContainerInfo is the host's metadata for one container.
type ContainerInfo struct {
	ID            ContainerID
	Kind          ContainerKind
	Focused       bool
	ActiveSurface SurfaceID
}

// TransitionType labels how a navigation was initiated, as reported by
// the host's commit signal ("link", "typed", "reload", ...).
type TransitionType string

// Host is the platform adapter. Events delivers the signal stream; the
// query methods answer point-in-time metadata questions. Every query is
// a suspension point for the caller: other work may interleave before
// the answer arrives, so answers may already be stale on receipt.
type Host interface {
	Events() <-chan Event

	FocusedContainer(ctx context.Context) (ContainerID, error)
	ActiveSurface(ctx context.Context, c ContainerID) (SurfaceID, error)
	ContainerInfo(ctx context.Context, c ContainerID) (ContainerInfo, error)
	SurfaceInfo(ctx context.Context, s SurfaceID) (SurfaceInfo, error)
	InputActive(ctx context.Context) (bool, error)
}

// CanonicalizeURL strips the fragment from a URL. Two URLs that differ
// only in fragment identify the same loaded document, so all equality
// checks in the core compare canonical forms.
func CanonicalizeURL(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}
