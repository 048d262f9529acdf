package handler

import (
	"bufio"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestSessionGatewayFirstSnapshotP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}

	f := setupChatApp(t)
	addr := startFiberServer(t, f.app)

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	clients := 100
	durations := make([]time.Duration, 0, clients)

	for i := 0; i < clients; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}

		start := time.Now()
		conn, resp, err := dialer.Dial("ws://"+addr+"/api/v2/session/ws", http.Header{
			"X-Correlation-ID": {"perf-" + strconv.Itoa(i)},
			"X-Test-User":      {user},
		})
		require.NoError(t, err)
		if resp != nil {
			_ = resp.Body.Close()
		}

		frame := waitForFrame(t, conn, func(frame receivedFrame) bool { return frame.Type == FrameSnapshot })
		require.NotEmpty(t, frame.Data)
		_ = conn.Close()

		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)
	require.LessOrEqual(t, p95, 250*time.Millisecond, "websocket P95 %s", p95)
}

func TestNotificationStreamP95Under300ms(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}

	f := setupChatApp(t)
	addr := startFiberServer(t, f.app)

	client := &http.Client{Timeout: 5 * time.Second}
	clients := 100
	durations := make([]time.Duration, 0, clients)

	for i := 0; i < clients; i++ {
		req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/v2/notifications/stream", nil)
		require.NoError(t, err)
		req.Header.Set("X-Test-User", "alice")

		start := time.Now()
		resp, err := client.Do(req)
		require.NoError(t, err)

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, ": keep-alive"), line)
		durations = append(durations, time.Since(start))

		resp.Body.Close()
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)
	require.LessOrEqual(t, p95, 300*time.Millisecond, "SSE P95 %s", p95)
}

func percentile(values []time.Duration, pct float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(math.Ceil(pct*float64(len(values)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}
