package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/session"
)

type receivedFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Top       *float64        `json:"top"`
}

func dialGateway(t *testing.T, addr, user string) *websocket.Conn {
	t.Helper()
	return dialGatewayTab(t, addr, user, "")
}

func dialGatewayTab(t *testing.T, addr, user, tab string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/api/v2/session/ws"
	if tab != "" {
		url += "?tab_id=" + tab
	}
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	header := http.Header{"X-Correlation-ID": {"gateway-test"}}
	if user != "" {
		header.Set("X-Test-User", user)
	}
	conn, resp, err := dialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, command interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(command))
}

func waitForFrame(t *testing.T, conn *websocket.Conn, match func(receivedFrame) bool) receivedFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame receivedFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if match(frame) {
			return frame
		}
	}
}

func snapshotMatching(t *testing.T, conn *websocket.Conn, match func(session.View) bool) session.View {
	t.Helper()
	var view session.View
	waitForFrame(t, conn, func(frame receivedFrame) bool {
		if frame.Type != FrameSnapshot {
			return false
		}
		var candidate session.View
		require.NoError(t, json.Unmarshal(frame.Data, &candidate))
		if match(candidate) {
			view = candidate
			return true
		}
		return false
	})
	return view
}

func ackFor(requestID string) func(receivedFrame) bool {
	return func(frame receivedFrame) bool {
		return frame.RequestID == requestID && (frame.Type == FrameAck || frame.Type == FrameError)
	}
}

// awaitAckAndSnapshot reads until both the reply to requestID and a matching snapshot arrived,
// in whichever order the writer produced them.
func awaitAckAndSnapshot(t *testing.T, conn *websocket.Conn, requestID string, match func(session.View) bool) (receivedFrame, session.View) {
	t.Helper()
	var (
		ack      *receivedFrame
		view     session.View
		viewSeen bool
	)
	waitForFrame(t, conn, func(frame receivedFrame) bool {
		switch {
		case ackFor(requestID)(frame):
			ack = &frame
		case frame.Type == FrameSnapshot && !viewSeen:
			var candidate session.View
			require.NoError(t, json.Unmarshal(frame.Data, &candidate))
			if match(candidate) {
				view = candidate
				viewSeen = true
			}
		}
		return ack != nil && viewSeen
	})
	return *ack, view
}

func TestGatewayDrivesSessionAndStreamsSnapshots(t *testing.T) {
	f := setupChatApp(t)
	addr := startFiberServer(t, f.app)

	conn := dialGateway(t, addr, "alice")
	defer conn.Close()

	initial := snapshotMatching(t, conn, func(view session.View) bool { return len(view.Conversations) == 1 })
	require.Nil(t, initial.ActiveConversation)
	require.Equal(t, 1, f.sessions.Active())

	sendCommand(t, conn, map[string]interface{}{"type": "open", "conversation_id": "c1", "request_id": "r1"})
	ack, opened := awaitAckAndSnapshot(t, conn, "r1", func(view session.View) bool {
		return view.ActiveConversation != nil && view.ActiveConversation.ID == "c1"
	})
	require.Equal(t, FrameAck, ack.Type, ack.Message)
	require.Zero(t, opened.ActiveConversation.UnreadCount)

	sendCommand(t, conn, map[string]interface{}{"type": "send", "message": map[string]string{"content": "hello from the gateway"}, "request_id": "r2"})
	ack = waitForFrame(t, conn, ackFor("r2"))
	require.Equal(t, FrameAck, ack.Type, ack.Message)
	var sent models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.Equal(t, "hello from the gateway", sent.Text())
	require.Equal(t, "alice", sent.SenderID)

	_, err := f.data.PostMessage(context.Background(), "bob", "c1", dto.SendMessageRequest{Content: strPtr("hi alice")})
	require.NoError(t, err)

	view := snapshotMatching(t, conn, func(view session.View) bool {
		for _, message := range view.Messages {
			if message.Text() == "hi alice" {
				return true
			}
		}
		return false
	})
	count := 0
	for _, message := range view.Messages {
		if message.Text() == "hello from the gateway" {
			count++
		}
	}
	require.Equal(t, 1, count, "confirmed send is not duplicated by its own echo")

	sendCommand(t, conn, map[string]interface{}{"type": "react", "message_id": sent.ID, "reaction": "🎉", "request_id": "r3"})
	ack = waitForFrame(t, conn, ackFor("r3"))
	require.Equal(t, FrameAck, ack.Type, ack.Message)
	var reacted models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &reacted))
	require.Len(t, reacted.Reactions, 1)

	sendCommand(t, conn, map[string]interface{}{"type": "close", "request_id": "r4"})
	ack, _ = awaitAckAndSnapshot(t, conn, "r4", func(view session.View) bool { return view.ActiveConversation == nil })
	require.Equal(t, FrameAck, ack.Type)
}

func TestGatewayRejectsInvalidCommands(t *testing.T) {
	f := setupChatApp(t)
	addr := startFiberServer(t, f.app)

	conn := dialGateway(t, addr, "alice")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := waitForFrame(t, conn, func(frame receivedFrame) bool { return frame.Type == FrameError })
	require.Contains(t, frame.Message, "not valid json")

	sendCommand(t, conn, map[string]interface{}{"type": "dance"})
	frame = waitForFrame(t, conn, func(frame receivedFrame) bool { return frame.Type == FrameError })
	require.Contains(t, frame.Message, "invalid command")

	sendCommand(t, conn, map[string]interface{}{"type": "open", "request_id": "missing-id"})
	frame = waitForFrame(t, conn, func(frame receivedFrame) bool { return frame.Type == FrameError })
	require.Contains(t, frame.Message, "invalid command")

	sendCommand(t, conn, map[string]interface{}{"type": "typing", "request_id": "r1"})
	frame = waitForFrame(t, conn, ackFor("r1"))
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, session.ErrNoActiveConversation.Error(), frame.Message)

	sendCommand(t, conn, map[string]interface{}{"type": "open", "conversation_id": "nope", "request_id": "r2"})
	frame = waitForFrame(t, conn, ackFor("r2"))
	require.Equal(t, FrameError, frame.Type)
}

func TestGatewaySharesSessionAcrossConnectionsOfATab(t *testing.T) {
	f := setupChatApp(t)
	require.NoError(t, f.db.Create(&models.Conversation{ID: "c2", Type: models.ConversationGroup, Name: "Team", CreatedBy: "alice"}).Error)
	require.NoError(t, f.db.Create(&models.ConversationMember{ConversationID: "c2", UserID: "alice", Role: models.MemberRoleMember}).Error)
	addr := startFiberServer(t, f.app)

	first := dialGatewayTab(t, addr, "alice", "tab-1")
	snapshotMatching(t, first, func(view session.View) bool { return true })
	second := dialGatewayTab(t, addr, "alice", "tab-1")
	snapshotMatching(t, second, func(view session.View) bool { return true })
	other := dialGatewayTab(t, addr, "alice", "tab-2")
	snapshotMatching(t, other, func(view session.View) bool { return true })
	require.Equal(t, 2, f.sessions.Active())
	require.Equal(t, 1, f.sessions.Users())

	sendCommand(t, first, map[string]interface{}{"type": "open", "conversation_id": "c1"})
	snapshotMatching(t, second, func(view session.View) bool {
		return view.ActiveConversation != nil && view.ActiveConversation.ID == "c1"
	})

	sendCommand(t, other, map[string]interface{}{"type": "open", "conversation_id": "c2"})
	snapshotMatching(t, other, func(view session.View) bool {
		return view.ActiveConversation != nil && view.ActiveConversation.ID == "c2"
	})

	// the other tab's conversation never shows up in tab-1
	require.NoError(t, second.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	for {
		var frame receivedFrame
		if err := second.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Type != FrameSnapshot {
			continue
		}
		var view session.View
		require.NoError(t, json.Unmarshal(frame.Data, &view))
		require.NotNil(t, view.ActiveConversation)
		require.Equal(t, "c1", view.ActiveConversation.ID)
	}

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	require.NoError(t, other.Close())
	require.Eventually(t, func() bool { return f.sessions.Active() == 0 }, 2*time.Second, 20*time.Millisecond)
}
