package transport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echobridge/adapters/transport"
)

// testFrame 對應 socket 後端的線路格式，供測試伺服器收送。
type testFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// socketServer 是測試用的 websocket 伺服器，記錄收到的信封並可主動推送。
type socketServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []testFrame
	ready    chan struct{}
}

func newSocketServer(t *testing.T) *socketServer {
	s := &socketServer{ready: make(chan struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		close(s.ready)

		for {
			var frame testFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, frame)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) push(t *testing.T, frame testFrame) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(time.Second):
		t.Fatal("server connection was not established in time")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteJSON(frame))
}

// waitFrame 等待伺服器收到符合條件的信封。
func (s *socketServer) waitFrame(t *testing.T, event, channel string) testFrame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, frame := range s.received {
			if frame.Event == event && frame.Channel == channel {
				s.mu.Unlock()
				return frame
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not receive frame event=%s channel=%s in time", event, channel)
	return testFrame{}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSocketConnection(t *testing.T) {
	server := newSocketServer(t)

	conn, err := transport.NewSocketConnection(transport.SocketConfig{URL: server.url()}, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, transport.BackendSocket, conn.Backend())
	assert.True(t, conn.IsConnected())
	assert.NotEmpty(t, conn.ConnectionID())

	// 伺服器指派的連線識別字串要覆蓋本機的暫時值
	server.push(t, testFrame{Event: "conn:established", Payload: json.RawMessage(`{"socket_id":"srv-1"}`)})
	waitFor(t, func() bool { return conn.ConnectionID() == "srv-1" }, "connection id was not updated")

	// 開啟頻道要送出 subscribe 信封
	handle, err := conn.OpenChannel("room", transport.Presence)
	require.NoError(t, err)
	sub := server.waitFrame(t, "subscribe", "room")
	assert.Contains(t, string(sub.Payload), `"presence"`)

	// 一般事件、whisper 與 presence 事件的派送
	var mu sync.Mutex
	var events []string
	var whispers []string
	var roster []transport.Member
	handle.Bind("msg", func(payload json.RawMessage) {
		mu.Lock()
		events = append(events, string(payload))
		mu.Unlock()
	})
	handle.BindWhisper("typing", func(payload json.RawMessage) {
		mu.Lock()
		whispers = append(whispers, string(payload))
		mu.Unlock()
	})
	handle.BindPresence(transport.PresenceHandlers{
		OnRoster: func(members []transport.Member) {
			mu.Lock()
			roster = members
			mu.Unlock()
		},
	})

	server.push(t, testFrame{Event: "msg", Channel: "room", Payload: json.RawMessage(`{"text":"hi"}`)})
	server.push(t, testFrame{Event: "client-typing", Channel: "room", Payload: json.RawMessage(`{"typing":true}`)})
	server.push(t, testFrame{Event: "presence:here", Channel: "room", Payload: json.RawMessage(`[{"id":"a"},{"id":"b"}]`)})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && len(whispers) == 1 && len(roster) == 2
	}, "frames were not dispatched in time")

	mu.Lock()
	assert.JSONEq(t, `{"text":"hi"}`, events[0])
	assert.JSONEq(t, `{"typing":true}`, whispers[0])
	mu.Unlock()

	// whisper 要以 client- 前綴送上線路
	require.NoError(t, handle.Whisper("typing", map[string]bool{"typing": false}))
	server.waitFrame(t, "client-typing", "room")

	// 離開頻道要送出 unsubscribe，之後的事件不再派送
	require.NoError(t, conn.LeaveChannel("room"))
	server.waitFrame(t, "unsubscribe", "room")
	server.push(t, testFrame{Event: "msg", Channel: "room", Payload: json.RawMessage(`{"text":"late"}`)})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, events, 1)
	mu.Unlock()
}

func TestSocketConnectionLifecycleEvents(t *testing.T) {
	server := newSocketServer(t)

	conn, err := transport.NewSocketConnection(transport.SocketConfig{
		URL:                  server.url(),
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, nil)
	require.NoError(t, err)
	defer conn.Close()

	var mu sync.Mutex
	var seen []transport.LifecycleEvent
	unbind := conn.BindLifecycle(func(event transport.LifecycleEvent) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	})
	defer unbind()

	// 伺服器關閉整個監聽端點，讓重連必定失敗。
	// httptest 不會關閉被 hijack 的 websocket 連線，所以要另外關閉。
	server.srv.CloseClientConnections()
	server.srv.Close()
	select {
	case <-server.ready:
	case <-time.After(time.Second):
		t.Fatal("server connection was not established in time")
	}
	server.mu.Lock()
	require.NoError(t, server.conn.Close())
	server.mu.Unlock()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, event := range seen {
			if _, ok := event.(transport.SocketReconnectFailed); ok {
				return true
			}
		}
		return false
	}, "reconnect was not exhausted in time")

	mu.Lock()
	defer mu.Unlock()
	var disconnects, attempts int
	for _, event := range seen {
		assert.Equal(t, transport.BackendSocket, event.Family())
		switch event.(type) {
		case transport.SocketDisconnect:
			disconnects++
		case transport.SocketReconnectAttempt:
			attempts++
		}
	}
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 2, attempts)
	assert.False(t, conn.IsConnected())
	assert.Empty(t, conn.ConnectionID())
}

func TestSocketConnectionDialFailure(t *testing.T) {
	_, err := transport.NewSocketConnection(transport.SocketConfig{
		URL:         "ws://127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, nil)
	assert.Error(t, err)
}
