package realtime

import (
	"context"
	"sync"

	"github.com/noah-isme/setu-sync/internal/models"
)

// Scroll thresholds in pixels.
const (
	LoadMoreThreshold = 100
	BottomThreshold   = 150
	// DividerOffsetRatio places the unread divider this far down the viewport.
	DividerOffsetRatio = 0.35
	// DividerRenderAttempts is how many viewport reports may arrive before the divider row is
	// rendered. After that the viewport goes to the bottom instead.
	DividerRenderAttempts = 3
)

// Viewport is the scrollable message list as seen by the controller.
type Viewport interface {
	ScrollTop() float64
	ScrollHeight() float64
	ClientHeight() float64
	ScrollTo(top float64)
	// OffsetOf returns the top offset of the message at index, if it is rendered.
	OffsetOf(index int) (float64, bool)
}

// HistoryPager is the part of Pager the scroll controller drives.
type HistoryPager interface {
	Loading() bool
	HasMore() bool
	LoadMore(ctx context.Context) (bool, error)
	DividerIndex() int
	State() PagerState
}

// ScrollController ties viewport scrolling to history paging and keeps the initial positioning
// and auto-scroll rules.
type ScrollController struct {
	viewport Viewport
	pager    HistoryPager

	mu         sync.Mutex
	positioned bool
	attempts   int
}

// NewScrollController binds a viewport to a pager.
func NewScrollController(viewport Viewport, pager HistoryPager) *ScrollController {
	return &ScrollController{viewport: viewport, pager: pager}
}

// HandleScroll loads older history when the viewport is near the top. It reports whether a page
// was loaded.
func (s *ScrollController) HandleScroll(ctx context.Context) (bool, error) {
	if s.viewport.ScrollTop() >= LoadMoreThreshold {
		return false, nil
	}
	if s.pager.Loading() || !s.pager.HasMore() {
		return false, nil
	}
	return s.pager.LoadMore(ctx)
}

// InitialPosition places the viewport once after the first successful load with messages: at
// the unread divider when there is one, otherwise at the bottom. While the divider row is not
// rendered yet the call is deferred, up to DividerRenderAttempts times. Later calls do nothing.
func (s *ScrollController) InitialPosition() bool {
	state := s.pager.State()
	if !state.InitialLoaded || state.Empty {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positioned {
		return false
	}

	if index := s.pager.DividerIndex(); index >= 0 {
		offset, ok := s.viewport.OffsetOf(index)
		if ok {
			top := offset - DividerOffsetRatio*s.viewport.ClientHeight()
			if top < 0 {
				top = 0
			}
			s.viewport.ScrollTo(top)
			s.positioned = true
			return true
		}
		s.attempts++
		if s.attempts < DividerRenderAttempts {
			return false
		}
	}
	s.scrollToBottom()
	s.positioned = true
	return true
}

// InitialPending reports whether the first page is loaded but the viewport has not been placed
// yet. History paging waits until it is false.
func (s *ScrollController) InitialPending() bool {
	state := s.pager.State()
	if !state.InitialLoaded || state.Empty {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.positioned
}

// OnMessageAppended forces the viewport to the bottom for local sends. Remote messages leave the
// position alone.
func (s *ScrollController) OnMessageAppended(origin models.Origin) {
	if origin == models.OriginLocal {
		s.ScrollToBottom()
	}
}

// ScrollToBottom jumps to the newest message.
func (s *ScrollController) ScrollToBottom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollToBottom()
}

// IsAtBottom reports whether the viewport is within BottomThreshold of the end.
func (s *ScrollController) IsAtBottom() bool {
	distance := s.viewport.ScrollHeight() - s.viewport.ScrollTop() - s.viewport.ClientHeight()
	return distance <= BottomThreshold
}

func (s *ScrollController) scrollToBottom() {
	top := s.viewport.ScrollHeight() - s.viewport.ClientHeight()
	if top < 0 {
		top = 0
	}
	s.viewport.ScrollTo(top)
}
