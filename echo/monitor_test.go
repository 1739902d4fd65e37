package echo_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echobridge/adapters/transport"
	"echobridge/echo"
)

// lifecycleConn 是可以腳本化生命週期事件與連線狀態的假後端。
type lifecycleConn struct {
	*transport.NullConnection

	mu        sync.Mutex
	backend   transport.Backend
	connected bool
	callback  func(transport.LifecycleEvent)
}

func newLifecycleConn(backend transport.Backend) *lifecycleConn {
	return &lifecycleConn{
		NullConnection: transport.NewNullConnection(quiet),
		backend:        backend,
		connected:      true,
	}
}

func (c *lifecycleConn) Backend() transport.Backend { return c.backend }

func (c *lifecycleConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *lifecycleConn) BindLifecycle(fn func(transport.LifecycleEvent)) func() {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.callback = nil
		c.mu.Unlock()
	}
}

// emit 設定連線狀態並送出一則生命週期事件。
func (c *lifecycleConn) emit(connected bool, event transport.LifecycleEvent) {
	c.mu.Lock()
	c.connected = connected
	fn := c.callback
	c.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

func TestMonitorRejectsUnknownBackend(t *testing.T) {
	conn := newLifecycleConn(transport.Backend("mqtt"))
	defer func() { assert.NoError(t, conn.Close()) }()

	_, err := echo.NewConnectionMonitor(conn, quiet)
	assert.ErrorIs(t, err, echo.ErrUnknownBackend)

	// 核心的建構也要跟著失敗
	_, err = echo.New(conn, echo.Config{}, quiet)
	assert.ErrorIs(t, err, echo.ErrUnknownBackend)
}

func TestConnectedStreamDedups(t *testing.T) {
	conn := newLifecycleConn(transport.BackendSocket)
	defer func() { assert.NoError(t, conn.Close()) }()

	monitor, err := echo.NewConnectionMonitor(conn, quiet)
	require.NoError(t, err)
	defer monitor.Close()

	state := monitor.Connected()
	assert.True(t, recv(t, state))

	// 不改變連線狀態的事件不會在去重後的流上發出
	conn.emit(true, transport.SocketPing{})
	conn.emit(true, transport.SocketPong{})
	recvNone(t, state)

	conn.emit(false, transport.SocketDisconnect{Reason: "transport close"})
	assert.False(t, recv(t, state))
	conn.emit(false, transport.SocketReconnectError{})
	recvNone(t, state)

	conn.emit(true, transport.SocketReconnect{Attempt: 2})
	assert.True(t, recv(t, state))
}

func TestConnectedStreamSeedsLateSubscriber(t *testing.T) {
	conn := newLifecycleConn(transport.BackendSocket)
	defer func() { assert.NoError(t, conn.Close()) }()

	monitor, err := echo.NewConnectionMonitor(conn, quiet)
	require.NoError(t, err)
	defer monitor.Close()

	conn.emit(false, transport.SocketDisconnect{Reason: "io error"})

	// 晚到的訂閱者立即收到目前的狀態
	assert.False(t, recv(t, monitor.Connected()))
	assert.False(t, monitor.IsConnected())
}

func TestRawEventsReplayLatest(t *testing.T) {
	conn := newLifecycleConn(transport.BackendStateful)
	defer func() { assert.NoError(t, conn.Close()) }()

	monitor, err := echo.NewConnectionMonitor(conn, quiet)
	require.NoError(t, err)
	defer monitor.Close()

	raw := monitor.RawEvents()

	change := transport.StateChange{Previous: transport.StateConnected, Current: transport.StateUnavailable}
	conn.emit(false, change)
	assert.Equal(t, transport.LifecycleEvent(change), recv(t, raw))

	// 原始事件流重播最近的一則事件給晚到的訂閱者
	assert.Equal(t, transport.LifecycleEvent(change), recv(t, monitor.RawEvents()))
}

func TestMonitorUnbindsOnClose(t *testing.T) {
	conn := newLifecycleConn(transport.BackendSocket)
	defer func() { assert.NoError(t, conn.Close()) }()

	monitor, err := echo.NewConnectionMonitor(conn, quiet)
	require.NoError(t, err)

	state := monitor.Connected()
	raw := monitor.RawEvents()
	monitor.Close()

	recvClosed(t, state)
	recvClosed(t, raw)

	// 關閉後回調已解除，事件不會再送進監視器
	conn.mu.Lock()
	unbound := conn.callback == nil
	conn.mu.Unlock()
	assert.True(t, unbound)
}
