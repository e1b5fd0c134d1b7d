// Package hosttest provides a scripted in-memory Host for tests. Queries
// answer from settable state; events are pushed by the test through Push.
package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/hazyhaar/pagetrace/host"
)

// ErrNoSuchContainer is returned for container queries the fake has no
// state for, mimicking a host query failure for non-host windows.
var ErrNoSuchContainer = errors.New("hosttest: no such container")

// Fake is a scripted host.Host implementation.
type Fake struct {
	mu         sync.Mutex
	events     chan host.Event
	surfaces   map[host.SurfaceID]host.SurfaceInfo
	containers map[host.ContainerID]host.ContainerInfo
	focused    host.ContainerID
	input      bool
}

// New creates a Fake with no surfaces, no focused container, and input
// reported active.
func New() *Fake {
	return &Fake{
		events:     make(chan host.Event, 256),
		surfaces:   make(map[host.SurfaceID]host.SurfaceInfo),
		containers: make(map[host.ContainerID]host.ContainerInfo),
		focused:    host.NoContainer,
		input:      true,
	}
}

// Push delivers an event to the consumer.
func (f *Fake) Push(e host.Event) { f.events <- e }

// Close closes the event stream.
func (f *Fake) Close() { close(f.events) }

// SetSurface installs or replaces surface metadata.
func (f *Fake) SetSurface(info host.SurfaceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.surfaces[info.ID] = info
}

// SetContainer installs or replaces container metadata.
func (f *Fake) SetContainer(info host.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = info
}

// SetFocused sets the answer for FocusedContainer.
func (f *Fake) SetFocused(c host.ContainerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = c
}

// SetInputActive sets the answer for InputActive.
func (f *Fake) SetInputActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = active
}

func (f *Fake) Events() <-chan host.Event { return f.events }

func (f *Fake) FocusedContainer(context.Context) (host.ContainerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused, nil
}

func (f *Fake) ActiveSurface(_ context.Context, c host.ContainerID) (host.SurfaceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[c]
	if !ok {
		return host.NoSurface, ErrNoSuchContainer
	}
	return info.ActiveSurface, nil
}

func (f *Fake) ContainerInfo(_ context.Context, c host.ContainerID) (host.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[c]
	if !ok {
		return host.ContainerInfo{}, ErrNoSuchContainer
	}
	return info, nil
}

func (f *Fake) SurfaceInfo(_ context.Context, s host.SurfaceID) (host.SurfaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.surfaces[s]
	if !ok {
		return host.SurfaceInfo{}, errors.New("hosttest: no such surface")
	}
	return info, nil
}

func (f *Fake) InputActive(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input, nil
}
