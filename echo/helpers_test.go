package echo_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"echobridge/adapters/transport"
)

// whisperBindKey 讓 whisper 綁定的統計鍵不會與同名的一般事件衝突。
func whisperBindKey(event string) string {
	return "whisper:" + event
}

// quiet 是測試用的靜音日誌。
var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingConn 包裝 loopback 後端並統計 Transport 層的呼叫次數，
// 用來驗證「每個頻道恰好訂閱一次、每個事件鍵恰好綁定一次」這類性質。
type countingConn struct {
	*transport.NullConnection

	mu       sync.Mutex
	opens    map[string]int
	leaves   map[string]int
	binds    map[string]int
	whispers map[string]int
}

func newCountingConn() *countingConn {
	return &countingConn{
		NullConnection: transport.NewNullConnection(quiet),
		opens:          make(map[string]int),
		leaves:         make(map[string]int),
		binds:          make(map[string]int),
		whispers:       make(map[string]int),
	}
}

func (c *countingConn) OpenChannel(name string, kind transport.ChannelKind) (transport.ChannelHandle, error) {
	handle, err := c.NullConnection.OpenChannel(name, kind)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.opens[name]++
	c.mu.Unlock()
	return &countingHandle{ChannelHandle: handle, conn: c}, nil
}

func (c *countingConn) LeaveChannel(name string) error {
	c.mu.Lock()
	c.leaves[name]++
	c.mu.Unlock()
	return c.NullConnection.LeaveChannel(name)
}

func (c *countingConn) openCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[name]
}

func (c *countingConn) leaveCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves[name]
}

func (c *countingConn) bindCount(channel, event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binds[channel+"/"+event]
}

func (c *countingConn) whisperCount(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.whispers[channel]
}

// countingHandle 統計單一頻道上的回調綁定與 whisper 發送。
type countingHandle struct {
	transport.ChannelHandle
	conn *countingConn
}

func (h *countingHandle) Bind(event string, fn func(payload json.RawMessage)) {
	h.conn.mu.Lock()
	h.conn.binds[h.Name()+"/"+event]++
	h.conn.mu.Unlock()
	h.ChannelHandle.Bind(event, fn)
}

func (h *countingHandle) BindWhisper(event string, fn func(payload json.RawMessage)) {
	h.conn.mu.Lock()
	h.conn.binds[h.Name()+"/"+whisperBindKey(event)]++
	h.conn.mu.Unlock()
	h.ChannelHandle.BindWhisper(event, fn)
}

func (h *countingHandle) Whisper(event string, payload any) error {
	h.conn.mu.Lock()
	h.conn.whispers[h.Name()]++
	h.conn.mu.Unlock()
	return h.ChannelHandle.Whisper(event, payload)
}

// recv 在超時前從通道讀出一個值，否則讓測試失敗。
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before a value arrived")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("did not receive value in time")
	}
	var zero T
	return zero
}

// recvNone 確認短時間內通道上沒有值到達也沒有被關閉。
func recvNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel was closed unexpectedly")
		}
		t.Fatalf("unexpected value arrived: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// recvClosed 讀完通道中剩餘的值並確認通道在超時前關閉。
func recvClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("channel was not closed in time")
		}
	}
}
