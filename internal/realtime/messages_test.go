package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/store"
)

func startMessageSync(t *testing.T, hub *feed.Hub, data *fakeData, st *store.Store, conversationID string, opts ...MessageSyncOption) *MessageSync {
	t.Helper()
	engine := NewMessageSync(hub, data, st, conversationID, "alice", zerolog.Nop(), opts...)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return engine
}

func TestMessageSyncDiscardsOwnEcho(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	st := store.New()
	engine := startMessageSync(t, hub, newFakeData(), st, "c1")

	optimistic := newMessage(models.TempIDPrefix+"1", "c1", "alice", "hi", time.Now())
	optimistic.Origin = models.OriginLocal
	st.AddMessage(optimistic)

	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("m1", "c1", "alice", "hi", time.Now()), nil)
	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("m2", "c1", "bob", "yo", time.Now()), nil)

	require.Eventually(t, func() bool { return st.HasMessage("m2") }, time.Second, 5*time.Millisecond)
	engine.Stop()
	engine.Wait()

	messages := st.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, optimistic.ID, messages[0].ID)
	require.Equal(t, models.OriginLocal, messages[0].Origin)
	require.False(t, st.HasMessage("m1"))
}

func TestMessageSyncHydratesRemoteInsert(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	data := newFakeData()
	data.replies["m0"] = models.ReplySnapshot{ID: "m0", Content: strPtr("original"), MessageType: models.MessageText, SenderID: "alice"}
	st := store.New()

	appended := make(chan models.Message, 1)
	startMessageSync(t, hub, data, st, "c1", WithAppendHook(func(m models.Message) { appended <- m }))

	reply := newMessage("m1", "c1", "bob", "answer", time.Now())
	reply.ReplyTo = strPtr("m0")
	publish(t, hub, feed.EventInsert, feed.TableMessages, reply, nil)
	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("other", "c2", "bob", "elsewhere", time.Now()), nil)

	select {
	case m := <-appended:
		require.Equal(t, models.OriginRemote, m.Origin)
	case <-time.After(time.Second):
		t.Fatal("append hook not called")
	}

	messages := st.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "Bob", messages[0].Sender.DisplayName())
	require.NotNil(t, messages[0].ReplyMessage)
	require.Equal(t, "original", *messages[0].ReplyMessage.Content)
}

func TestMessageSyncLookupFailures(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	st := store.New()
	engine := startMessageSync(t, hub, newFakeData(), st, "c1")

	unknownSender := newMessage("m1", "c1", "mallory", "who", time.Now())
	brokenReply := newMessage("m2", "c1", "bob", "re", time.Now())
	brokenReply.ReplyTo = strPtr("missing")

	publish(t, hub, feed.EventInsert, feed.TableMessages, unknownSender, nil)
	publish(t, hub, feed.EventInsert, feed.TableMessages, brokenReply, nil)

	require.Eventually(t, func() bool { return st.HasMessage("m2") }, time.Second, 5*time.Millisecond)
	engine.Stop()
	engine.Wait()

	require.False(t, st.HasMessage("m1"))
	require.Nil(t, st.Messages()[0].ReplyMessage)
}

func TestMessageSyncMergesUpdatesAndSkipsRedelivery(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	st := store.New()
	at := time.Now().UTC()
	loaded := newMessage("m1", "c1", "bob", "first", at)
	loaded.Sender = &models.Profile{ID: "bob", Username: "bob"}
	loaded.Reactions = []models.MessageReaction{{ID: "r1", MessageID: "m1", UserID: "alice", Reaction: "👍"}}
	st.SetMessages([]models.Message{loaded})
	engine := startMessageSync(t, hub, newFakeData(), st, "c1")

	edited := newMessage("m1", "c1", "bob", "edited", at)
	edited.IsEdited = true
	publish(t, hub, feed.EventUpdate, feed.TableMessages, edited, nil)
	publish(t, hub, feed.EventUpdate, feed.TableMessages, newMessage("absent", "c1", "bob", "x", at), nil)
	publish(t, hub, feed.EventInsert, feed.TableMessages, loaded, nil)

	require.Eventually(t, func() bool {
		return st.Messages()[0].IsEdited
	}, time.Second, 5*time.Millisecond)
	engine.Stop()
	engine.Wait()

	messages := st.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "edited", messages[0].Text())
	require.NotNil(t, messages[0].Sender)
	require.Len(t, messages[0].Reactions, 1)
}

func TestMessageSyncDropsResultsAfterStop(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	data := newFakeData()
	data.profileGate = make(chan struct{})
	st := store.New()
	engine := startMessageSync(t, hub, data, st, "c1")

	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("m1", "c1", "bob", "late", time.Now()), nil)
	time.Sleep(20 * time.Millisecond)

	engine.Stop()
	close(data.profileGate)
	engine.Wait()

	require.Empty(t, st.Messages())
	require.ErrorIs(t, engine.Start(context.Background()), ErrStopped)
}

func TestMessageSyncAppendsInArrivalOrderWhenLookupsLag(t *testing.T) {
	hub := feed.NewHub(zerolog.Nop())
	defer hub.Close()
	data := newFakeData()
	data.profileDelay["bob"] = 80 * time.Millisecond
	st := store.New()
	engine := startMessageSync(t, hub, data, st, "c1")

	at := time.Now().UTC()
	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("m1", "c1", "bob", "slow lookup", at), nil)
	publish(t, hub, feed.EventInsert, feed.TableMessages, newMessage("m2", "c1", "carol", "fast lookup", at.Add(time.Second)), nil)

	require.Eventually(t, func() bool { return len(st.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	engine.Stop()
	engine.Wait()

	messages := st.Messages()
	require.Equal(t, []string{"m1", "m2"}, []string{messages[0].ID, messages[1].ID})
	require.Equal(t, "Bob", messages[0].Sender.DisplayName())
}
