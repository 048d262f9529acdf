package session

import "sync"

// ViewportMetrics is the scroll state reported by a client.
type ViewportMetrics struct {
	ScrollTop     float64  `json:"scroll_top"`
	ScrollHeight  float64  `json:"scroll_height"`
	ClientHeight  float64  `json:"client_height"`
	DividerOffset *float64 `json:"divider_offset,omitempty"`
}

// RemoteViewport mirrors the viewport of a remote client. Scroll requests are forwarded to the
// client through the onScroll callback.
type RemoteViewport struct {
	mu       sync.RWMutex
	metrics  ViewportMetrics
	onScroll func(top float64)
}

// NewRemoteViewport creates a viewport forwarding scroll requests to onScroll.
func NewRemoteViewport(onScroll func(top float64)) *RemoteViewport {
	return &RemoteViewport{onScroll: onScroll}
}

// Update records the latest metrics reported by the client.
func (v *RemoteViewport) Update(metrics ViewportMetrics) {
	v.mu.Lock()
	v.metrics = metrics
	v.mu.Unlock()
}

func (v *RemoteViewport) ScrollTop() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.metrics.ScrollTop
}

func (v *RemoteViewport) ScrollHeight() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.metrics.ScrollHeight
}

func (v *RemoteViewport) ClientHeight() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.metrics.ClientHeight
}

// ScrollTo records the position locally and asks the client to follow.
func (v *RemoteViewport) ScrollTo(top float64) {
	v.mu.Lock()
	v.metrics.ScrollTop = top
	onScroll := v.onScroll
	v.mu.Unlock()
	if onScroll != nil {
		onScroll(top)
	}
}

// OffsetOf returns the divider offset the client reported. Clients only report the offset of
// the row the divider sits on.
func (v *RemoteViewport) OffsetOf(int) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.metrics.DividerOffset == nil {
		return 0, false
	}
	return *v.metrics.DividerOffset, true
}
