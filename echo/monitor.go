package echo

import (
	"fmt"
	"log/slog"

	"echobridge/adapters/stream"
	"echobridge/adapters/transport"
)

// ConnectionMonitor 把 Transport 的原始連線生命週期正規化為兩個流：
// rawEvents 重播最新一則生命週期事件，connected 是去重後的布林連線狀態。
//
// connected 不是從事件語意推導的：每收到一則原始事件就向 Transport 查詢一次
// IsConnected()。有些事件（例如心跳）不改變連線狀態，逐事件比對語意容易漂移，
// 每次都詢問權威來源則不會。
type ConnectionMonitor struct {
	conn      transport.Connection
	raw       *stream.Replay[transport.LifecycleEvent]
	connected *stream.Replay[bool]
	unbind    func()
	logger    *slog.Logger
}

// NewConnectionMonitor 建立連線監視器。
// 無法辨識的後端選擇器使整個建構失敗，沒有部分可用的降級模式。
func NewConnectionMonitor(conn transport.Connection, logger *slog.Logger) (*ConnectionMonitor, error) {
	const op = "NewConnectionMonitor"

	switch conn.Backend() {
	case transport.BackendNull, transport.BackendSocket, transport.BackendStateful:
	default:
		return nil, fmt.Errorf("[%s] backend %q is not supported: %w", op, conn.Backend(), ErrUnknownBackend)
	}

	m := &ConnectionMonitor{
		conn:      conn,
		raw:       stream.NewReplay[transport.LifecycleEvent](),
		connected: stream.NewReplayDistinct[bool](),
		logger:    logger.With(slog.String("caller", "ConnectionMonitor")),
	}

	// 以建構當下的狀態作為 connected 流的種子值
	m.connected.Publish(conn.IsConnected())
	m.unbind = conn.BindLifecycle(func(event transport.LifecycleEvent) {
		m.raw.Publish(event)
		m.connected.Publish(conn.IsConnected())
	})
	return m, nil
}

// RawEvents 訂閱原始生命週期事件流，新訂閱者會收到最近的一則事件。
func (m *ConnectionMonitor) RawEvents() <-chan transport.LifecycleEvent {
	return m.raw.Subscribe()
}

// Connected 訂閱布林連線狀態流：以目前狀態為種子、去重、重播最新值。
func (m *ConnectionMonitor) Connected() <-chan bool {
	return m.connected.Subscribe()
}

// UnsubscribeRaw 取消單一訂閱者對原始生命週期事件流的訂閱。
func (m *ConnectionMonitor) UnsubscribeRaw(ch <-chan transport.LifecycleEvent) {
	m.raw.Unsubscribe(ch)
}

// UnsubscribeConnected 取消單一訂閱者對布林連線狀態流的訂閱。
func (m *ConnectionMonitor) UnsubscribeConnected(ch <-chan bool) {
	m.connected.Unsubscribe(ch)
}

// IsConnected 回報目前的連線狀態。
func (m *ConnectionMonitor) IsConnected() bool {
	return m.conn.IsConnected()
}

// ConnectionID 回報目前連線的識別字串。
func (m *ConnectionMonitor) ConnectionID() string {
	return m.conn.ConnectionID()
}

// Close 解除生命週期回調並完成兩個流。
func (m *ConnectionMonitor) Close() {
	m.unbind()
	m.raw.Close()
	m.connected.Close()
}
