package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/store"
)

type fakeViewport struct {
	scrollTop    float64
	scrollHeight float64
	clientHeight float64
	rowHeight    float64
	scrolls      []float64
}

func (v *fakeViewport) ScrollTop() float64    { return v.scrollTop }
func (v *fakeViewport) ScrollHeight() float64 { return v.scrollHeight }
func (v *fakeViewport) ClientHeight() float64 { return v.clientHeight }

func (v *fakeViewport) ScrollTo(top float64) {
	v.scrollTop = top
	v.scrolls = append(v.scrolls, top)
}

func (v *fakeViewport) OffsetOf(index int) (float64, bool) {
	if v.rowHeight == 0 {
		return 0, false
	}
	return float64(index) * v.rowHeight, true
}

func history(start time.Time, n int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, newMessage(fmt.Sprintf("m%02d", i), "c1", "bob", "text", start.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

func TestPagerEmptyConversationShowsEmptyState(t *testing.T) {
	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: []models.Message{}, HasMore: false}}
	st := store.New()
	pager := NewPager(data, st, "alice", "c1", 0, zerolog.Nop())

	before := pager.State()
	require.False(t, before.InitialLoaded)
	require.False(t, before.Empty)

	require.NoError(t, pager.LoadInitial(context.Background()))
	state := pager.State()
	require.False(t, state.Loading)
	require.True(t, state.InitialLoaded)
	require.True(t, state.Empty)
	require.False(t, state.HasMore)
	require.Equal(t, -1, pager.DividerIndex())

	loaded, err := pager.LoadMore(context.Background())
	require.NoError(t, err)
	require.False(t, loaded)

	viewport := &fakeViewport{scrollHeight: 400, clientHeight: 400}
	require.False(t, NewScrollController(viewport, pager).InitialPosition())
	require.Empty(t, viewport.scrolls)
}

func TestDividerPositionsInitialScroll(t *testing.T) {
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	messages := history(start, 12)
	cursor := messages[0].CreatedAt

	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: messages, HasMore: true, NextCursor: &cursor, UnreadCount: 5}}
	st := store.New()
	pager := NewPager(data, st, "alice", "c1", 50, zerolog.Nop())
	require.NoError(t, pager.LoadInitial(context.Background()))
	require.Equal(t, 7, pager.DividerIndex())

	viewport := &fakeViewport{scrollHeight: 1200, clientHeight: 400, rowHeight: 100}
	scroll := NewScrollController(viewport, pager)
	require.True(t, scroll.InitialPosition())
	require.Equal(t, []float64{700 - 0.35*400}, viewport.scrolls)
	require.False(t, scroll.InitialPosition(), "positioning happens once")

	pager.ClearDivider()
	require.Equal(t, -1, pager.DividerIndex())
}

func TestInitialPositionWaitsForDividerRow(t *testing.T) {
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: history(start, 10), UnreadCount: 4}}
	pager := NewPager(data, store.New(), "alice", "c1", 50, zerolog.Nop())
	require.NoError(t, pager.LoadInitial(context.Background()))
	require.Equal(t, 6, pager.DividerIndex())

	viewport := &fakeViewport{scrollHeight: 1000, clientHeight: 400}
	scroll := NewScrollController(viewport, pager)
	require.False(t, scroll.InitialPosition(), "divider row not rendered yet")
	require.True(t, scroll.InitialPending())
	require.Empty(t, viewport.scrolls)

	viewport.rowHeight = 100
	require.True(t, scroll.InitialPosition())
	require.Equal(t, []float64{600 - 0.35*400}, viewport.scrolls)
	require.False(t, scroll.InitialPending())
}

func TestInitialPositionFallsBackToBottomWhenDividerNeverRenders(t *testing.T) {
	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: history(time.Now(), 10), UnreadCount: 4}}
	pager := NewPager(data, store.New(), "alice", "c1", 50, zerolog.Nop())
	require.NoError(t, pager.LoadInitial(context.Background()))

	viewport := &fakeViewport{scrollHeight: 1000, clientHeight: 400}
	scroll := NewScrollController(viewport, pager)
	for i := 1; i < DividerRenderAttempts; i++ {
		require.False(t, scroll.InitialPosition())
	}
	require.True(t, scroll.InitialPosition())
	require.Equal(t, []float64{600}, viewport.scrolls)
	require.False(t, scroll.InitialPending())
}

func TestInitialPositionWithoutDividerGoesToBottom(t *testing.T) {
	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: history(time.Now(), 3)}}
	pager := NewPager(data, store.New(), "alice", "c1", 50, zerolog.Nop())
	require.NoError(t, pager.LoadInitial(context.Background()))

	viewport := &fakeViewport{scrollHeight: 900, clientHeight: 300, rowHeight: 300}
	scroll := NewScrollController(viewport, pager)
	require.True(t, scroll.InitialPosition())
	require.Equal(t, []float64{600}, viewport.scrolls)
	require.True(t, scroll.IsAtBottom())
}

func TestLoadMorePrependsAndAdvancesCursor(t *testing.T) {
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	older := history(start, 2)
	newer := history(start.Add(time.Hour), 3)
	newerCursor := newer[0].CreatedAt
	olderCursor := older[0].CreatedAt

	data := newFakeData()
	data.pages = []dto.MessagePage{
		{Data: newer, HasMore: true, NextCursor: &newerCursor},
		{Data: older, HasMore: false, NextCursor: &olderCursor},
	}
	st := store.New()
	pager := NewPager(data, st, "alice", "c1", 3, zerolog.Nop())
	require.NoError(t, pager.LoadInitial(context.Background()))

	viewport := &fakeViewport{scrollTop: 400, scrollHeight: 2000, clientHeight: 500}
	scroll := NewScrollController(viewport, pager)
	loaded, err := scroll.HandleScroll(context.Background())
	require.NoError(t, err)
	require.False(t, loaded, "far from the top nothing loads")

	viewport.scrollTop = 99
	loaded, err = scroll.HandleScroll(context.Background())
	require.NoError(t, err)
	require.True(t, loaded)

	messages := st.Messages()
	require.Len(t, messages, 5)
	for i := 1; i < len(messages); i++ {
		require.True(t, messages[i-1].CreatedAt.Before(messages[i].CreatedAt))
	}
	require.Equal(t, olderCursor, *pager.Cursor())
	require.False(t, pager.HasMore())
	require.Nil(t, data.cursors[0])
	require.Equal(t, newerCursor, *data.cursors[1])

	loaded, err = scroll.HandleScroll(context.Background())
	require.NoError(t, err)
	require.False(t, loaded)
	require.Len(t, data.cursors, 2)
}

func TestPagerFailureLeavesStateUnchanged(t *testing.T) {
	data := newFakeData()
	data.pageErr = errLookup
	st := store.New()
	st.SetMessages(history(time.Now(), 2))
	pager := NewPager(data, st, "alice", "c1", 50, zerolog.Nop())

	require.ErrorIs(t, pager.LoadInitial(context.Background()), errLookup)
	state := pager.State()
	require.False(t, state.Loading)
	require.False(t, state.InitialLoaded)
	require.Len(t, st.Messages(), 2)
}

func TestPagerDropsResultsAfterClose(t *testing.T) {
	data := newFakeData()
	data.pages = []dto.MessagePage{{Data: history(time.Now(), 2)}}
	st := store.New()
	pager := NewPager(data, st, "alice", "c1", 50, zerolog.Nop())
	pager.Close()

	require.NoError(t, pager.LoadInitial(context.Background()))
	require.Empty(t, st.Messages())
}

func TestAutoScrollFollowsOrigin(t *testing.T) {
	pager := NewPager(newFakeData(), store.New(), "alice", "c1", 50, zerolog.Nop())
	viewport := &fakeViewport{scrollTop: 100, scrollHeight: 1000, clientHeight: 400}
	scroll := NewScrollController(viewport, pager)
	require.False(t, scroll.IsAtBottom())

	scroll.OnMessageAppended(models.OriginRemote)
	require.Empty(t, viewport.scrolls)

	scroll.OnMessageAppended(models.OriginLocal)
	require.Equal(t, []float64{600}, viewport.scrolls)
	require.True(t, scroll.IsAtBottom())

	viewport.scrollTop = 451
	require.True(t, scroll.IsAtBottom())
	viewport.scrollTop = 449
	require.False(t, scroll.IsAtBottom())
}
