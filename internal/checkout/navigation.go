package checkout

import (
	"strings"
	"sync"
)

// LeaveSignal names the way the buyer left the checkout page.
type LeaveSignal string

const (
	// SignalUnload is a whole-page unload: tab close or external navigation.
	SignalUnload LeaveSignal = "unload"
	// SignalHistory is a browser back/forward navigation.
	SignalHistory LeaveSignal = "history"
	// SignalRoute is an in-app navigation to another route.
	SignalRoute LeaveSignal = "route"
	// SignalClose is the controller being torn down without a submission.
	SignalClose LeaveSignal = "close"
	// SignalExpired is the registry evicting an idle session.
	SignalExpired LeaveSignal = "expired"
)

// ParseLeaveSignal maps beacon input onto a known signal.
func ParseLeaveSignal(raw string) (LeaveSignal, bool) {
	switch s := LeaveSignal(strings.ToLower(strings.TrimSpace(raw))); s {
	case SignalUnload, SignalHistory, SignalRoute:
		return s, true
	case "":
		return SignalUnload, true
	default:
		return "", false
	}
}

// LeaveEvent is one abandonment signal. To is the destination route for
// SignalRoute and may be empty otherwise.
type LeaveEvent struct {
	Signal LeaveSignal
	To     string
}

// CheckoutRoute is the in-app route the controller lives on. Route changes that
// stay on it are not abandonment.
const CheckoutRoute = "/checkout"

// Leaving reports whether the event means the buyer left checkout.
func (e LeaveEvent) Leaving() bool {
	if e.Signal != SignalRoute {
		return true
	}
	to := strings.TrimSpace(e.To)
	if i := strings.IndexAny(to, "?#"); i >= 0 {
		to = to[:i]
	}
	to = strings.TrimRight(to, "/")
	return to != CheckoutRoute && !strings.HasPrefix(to, CheckoutRoute+"/")
}

// NavigationObserver is the host capability that reports the buyer leaving.
// OnLeave registers fn and returns a function that unregisters it.
type NavigationObserver interface {
	OnLeave(fn func(LeaveEvent)) (unsubscribe func())
}

// NavigationHub is a NavigationObserver fed by the host, one per session.
type NavigationHub struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(LeaveEvent)
}

// NewNavigationHub returns an empty hub.
func NewNavigationHub() *NavigationHub {
	return &NavigationHub{listeners: make(map[int]func(LeaveEvent))}
}

// OnLeave implements NavigationObserver.
func (h *NavigationHub) OnLeave(fn func(LeaveEvent)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Emit delivers ev to every listener when it is an abandonment. It reports
// whether the event was delivered.
func (h *NavigationHub) Emit(ev LeaveEvent) bool {
	if !ev.Leaving() {
		return false
	}
	h.mu.Lock()
	fns := make([]func(LeaveEvent), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return true
}
