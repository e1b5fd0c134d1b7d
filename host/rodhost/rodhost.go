// Package rodhost adapts a Chrome instance driven over CDP into the host
// model: targets become surfaces, page lifecycle events become the signal
// stream, and a small injected script reports user interactions.
//
// CDP exposes no window-level focus or input-idle signals, so the adapter
// models a single always-focused container and reports input as active.
// Audio state is likewise not surfaced by the Target domain.
package rodhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pagetrace/host"
)

// mainContainer is the single container the adapter models.
const mainContainer host.ContainerID = 1

const bindingName = "__pagetrace_report"

// interactionJS reports clicks and Enter presses through the CDP binding.
// Installed on every new document before any page script runs.
const interactionJS = `(() => {
	const report = k => { try { window.` + bindingName + `(k); } catch (e) {} };
	addEventListener('mousedown', () => report('click'), { capture: true, passive: true });
	addEventListener('keydown', e => { if (e.key === 'Enter') report('enter'); }, { capture: true, passive: true });
})();`

// Config configures the adapter.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// Headless launches Chrome without a display. Default true.
	Headless *bool `yaml:"headless"`

	// EventBuffer sizes the event channel. Default 1024.
	EventBuffer int `yaml:"event_buffer"`
}

// Host implements host.Host over a rod-driven Chrome.
type Host struct {
	cfg    Config
	logger *slog.Logger
	now    func() int64

	browser *rod.Browser
	lnch    *launcher.Launcher
	events  chan host.Event
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	byTarget    map[proto.TargetTargetID]host.SurfaceID
	infos       map[host.SurfaceID]host.SurfaceInfo
	reasons     map[host.SurfaceID]host.TransitionType
	active      host.SurfaceID
	defaultCtx  proto.BrowserBrowserContextID
	nextSurface int64
}

// New creates the adapter. Call Start to launch or connect.
func New(cfg Config, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 1024
	}
	return &Host{
		cfg:      cfg,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
		events:   make(chan host.Event, buf),
		byTarget: make(map[proto.TargetTargetID]host.SurfaceID),
		infos:    make(map[host.SurfaceID]host.SurfaceInfo),
		reasons:  make(map[host.SurfaceID]host.TransitionType),
		active:   host.NoSurface,
	}
}

// Start launches Chrome (or connects to a remote instance) and begins
// translating target events. It returns once the event stream is live.
func (h *Host) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	var wsURL string
	if h.cfg.RemoteURL != "" {
		wsURL = h.cfg.RemoteURL
		h.logger.Info("rodhost: connecting to remote", "url", wsURL)
	} else {
		headless := h.cfg.Headless == nil || *h.cfg.Headless
		l := launcher.New().
			Headless(headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("rodhost: launch: %w", err)
		}
		wsURL = u
		h.lnch = l
		h.logger.Info("rodhost: launched local chrome", "headless", headless)
	}

	b := rod.New().ControlURL(wsURL).Context(h.ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("rodhost: connect: %w", err)
	}
	h.browser = b

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("rodhost: discover targets: %w", err)
	}

	go h.watchTargets()
	h.emit(host.ContainerFocused{Container: mainContainer, At: h.now()})
	return nil
}

// Close stops event translation and shuts Chrome down if we launched it.
// The event channel stays open: translator goroutines may still be
// selecting on it, and consumers stop via their own context.
func (h *Host) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.browser != nil {
		h.browser.Close()
	}
	if h.lnch != nil {
		h.lnch.Cleanup()
	}
	return nil
}

// OpenSurface creates a new instrumented tab with stealth applied and
// navigates it. The surface appears on the event stream like any other.
func (h *Host) OpenSurface(ctx context.Context, url string) (host.SurfaceID, error) {
	page, err := stealth.Page(h.browser)
	if err != nil {
		return host.NoSurface, fmt.Errorf("rodhost: create tab: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return host.NoSurface, fmt.Errorf("rodhost: tab info: %w", err)
	}
	id := h.surfaceFor(info.TargetID)

	if err := page.Context(ctx).Navigate(url); err != nil {
		page.Close()
		return host.NoSurface, fmt.Errorf("rodhost: navigate %s: %w", url, err)
	}
	return id, nil
}

func (h *Host) Events() <-chan host.Event { return h.events }

func (h *Host) FocusedContainer(context.Context) (host.ContainerID, error) {
	return mainContainer, nil
}

func (h *Host) ActiveSurface(_ context.Context, c host.ContainerID) (host.SurfaceID, error) {
	if c != mainContainer {
		return host.NoSurface, fmt.Errorf("rodhost: unknown container %d", c)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, nil
}

func (h *Host) ContainerInfo(_ context.Context, c host.ContainerID) (host.ContainerInfo, error) {
	if c != mainContainer {
		return host.ContainerInfo{}, fmt.Errorf("rodhost: unknown container %d", c)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return host.ContainerInfo{
		ID:            mainContainer,
		Kind:          host.KindNormal,
		Focused:       true,
		ActiveSurface: h.active,
	}, nil
}

func (h *Host) SurfaceInfo(_ context.Context, s host.SurfaceID) (host.SurfaceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.infos[s]
	if !ok {
		return host.SurfaceInfo{}, fmt.Errorf("rodhost: unknown surface %d", s)
	}
	return info, nil
}

func (h *Host) InputActive(context.Context) (bool, error) {
	// CDP exposes no input-idle signal.
	return true, nil
}

// watchTargets translates browser-level target events. Runs until the
// adapter context is cancelled.
func (h *Host) watchTargets() {
	h.browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != "page" {
				return
			}
			h.onTargetCreated(e.TargetInfo)
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo.Type != "page" {
				return
			}
			h.onTargetChanged(e.TargetInfo)
		},
		func(e *proto.TargetTargetDestroyed) {
			h.onTargetDestroyed(e.TargetID)
		},
	)()
}

func (h *Host) onTargetCreated(ti *proto.TargetTargetInfo) {
	at := h.now()

	h.mu.Lock()
	if _, dup := h.byTarget[ti.TargetID]; dup {
		h.mu.Unlock()
		return
	}
	h.nextSurface++
	id := host.SurfaceID(h.nextSurface)
	h.byTarget[ti.TargetID] = id

	// The first context seen is treated as the default profile; targets
	// in any other browser context are considered private.
	if h.defaultCtx == "" {
		h.defaultCtx = ti.BrowserContextID
	}

	opener := host.NoSurface
	if ti.OpenerID != "" {
		if o, ok := h.byTarget[ti.OpenerID]; ok {
			opener = o
		}
	}

	info := host.SurfaceInfo{
		ID:        id,
		Container: mainContainer,
		URL:       ti.URL,
		Private:   ti.BrowserContextID != h.defaultCtx,
		Opener:    opener,
		OpenedAt:  at,
	}
	h.infos[id] = info
	// New tabs take focus in the browser UI.
	h.active = id
	h.mu.Unlock()

	h.emit(host.SurfaceCreated{Surface: info, At: at})
	h.emit(host.SurfaceActivated{Container: mainContainer, Surface: id, At: at})

	go h.watchPage(ti.TargetID, id)
}

func (h *Host) onTargetChanged(ti *proto.TargetTargetInfo) {
	h.mu.Lock()
	id, ok := h.byTarget[ti.TargetID]
	if !ok {
		h.mu.Unlock()
		return
	}
	info := h.infos[id]
	changed := info.URL != ti.URL
	info.URL = ti.URL
	h.infos[id] = info
	h.mu.Unlock()

	if changed {
		// Duplicate same-URL updates downstream are ignored by the core.
		h.emit(host.SurfaceUpdated{Surface: id, URL: ti.URL, At: h.now()})
	}
}

func (h *Host) onTargetDestroyed(tid proto.TargetTargetID) {
	h.mu.Lock()
	id, ok := h.byTarget[tid]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byTarget, tid)
	delete(h.infos, id)
	delete(h.reasons, id)
	if h.active == id {
		h.active = host.NoSurface
	}
	h.mu.Unlock()

	h.emit(host.SurfaceRemoved{Surface: id, At: h.now()})
}

// watchPage attaches to one page target and translates its navigation and
// interaction events.
func (h *Host) watchPage(tid proto.TargetTargetID, id host.SurfaceID) {
	page, err := h.browser.PageFromTarget(tid)
	if err != nil {
		h.logger.Warn("rodhost: attach to page failed", "surface", id, "error", err)
		return
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		h.logger.Debug("rodhost: add binding", "surface", id, "error", err)
	}
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: interactionJS}).Call(page); err != nil {
		h.logger.Debug("rodhost: install interaction script", "surface", id, "error", err)
	}

	page.EachEvent(
		func(e *proto.PageFrameRequestedNavigation) {
			// Sub-frame requests are filtered at commit time.
			h.mu.Lock()
			h.reasons[id] = transitionFor(e.Reason)
			h.mu.Unlock()
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID != "" {
				return
			}
			at := h.now()
			h.mu.Lock()
			kind, ok := h.reasons[id]
			if !ok {
				kind = "other"
			}
			delete(h.reasons, id)
			info := h.infos[id]
			info.URL = e.Frame.URL
			h.infos[id] = info
			h.mu.Unlock()

			h.emit(host.NavigationCommitted{Surface: id, URL: e.Frame.URL, Type: kind, At: at})
			h.emit(host.SurfaceUpdated{Surface: id, URL: e.Frame.URL, At: at})
		},
		func(e *proto.PageNavigatedWithinDocument) {
			at := h.now()
			h.mu.Lock()
			info := h.infos[id]
			info.URL = e.URL
			h.infos[id] = info
			h.mu.Unlock()

			h.emit(host.NavigationCommitted{Surface: id, URL: e.URL, SameDoc: true, Type: "same_document", At: at})
			h.emit(host.SurfaceUpdated{Surface: id, URL: e.URL, At: at})
		},
		func(e *proto.PageDomContentEventFired) {
			h.mu.Lock()
			url := h.infos[id].URL
			h.mu.Unlock()
			h.emit(host.ContentReady{Surface: id, URL: url, At: h.now()})
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			kind := e.Payload
			if kind != "click" && kind != "enter" {
				return
			}
			h.emit(host.UserInteraction{Surface: id, Kind: kind, At: h.now()})
		},
	)()
}

// surfaceFor returns the surface ID for a target, registering it if the
// discovery event has not arrived yet.
func (h *Host) surfaceFor(tid proto.TargetTargetID) host.SurfaceID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.byTarget[tid]; ok {
		return id
	}
	h.nextSurface++
	id := host.SurfaceID(h.nextSurface)
	h.byTarget[tid] = id
	h.infos[id] = host.SurfaceInfo{
		ID:        id,
		Container: mainContainer,
		Opener:    host.NoSurface,
		OpenedAt:  h.now(),
	}
	return id
}

func (h *Host) emit(e host.Event) {
	select {
	case h.events <- e:
	case <-h.ctx.Done():
	}
}

// transitionFor maps CDP navigation reasons onto transition labels.
func transitionFor(r proto.PageClientNavigationReason) host.TransitionType {
	switch r {
	case proto.PageClientNavigationReasonAnchorClick:
		return "link"
	case proto.PageClientNavigationReasonFormSubmissionGet,
		proto.PageClientNavigationReasonFormSubmissionPost:
		return "form_submit"
	case proto.PageClientNavigationReasonReload:
		return "reload"
	case proto.PageClientNavigationReasonHTTPHeaderRefresh,
		proto.PageClientNavigationReasonMetaTagRefresh:
		return "client_redirect"
	case proto.PageClientNavigationReasonScriptInitiated:
		return "script"
	default:
		return "other"
	}
}
