// Package echo 把回調式的即時訊息用戶端重新發布為一組可觀察的事件流：
// 以名稱追蹤頻道的加入與離開、whisper 與 presence 事件、類型化通知的路由，
// 以及連線狀態的監視。
//
// 取消訂閱的契約與一般的串流不同：對單一訂閱通道停止讀取或取消訂閱
// 不會解除底層的低階回調（多個訂閱者共享同一個低階監聽），
// 只有明確的 Leave 會解除回調並完成所有相關的流。
// 忘記呼叫 Leave 會讓低階監聽與頻道項目無限期存活。
package echo

import (
	"fmt"
	"log/slog"
	"net/http"

	"echobridge/adapters/stream"
	"echobridge/adapters/transport"
)

// Config 是核心的不透明設定輸入。
type Config struct {
	// Namespace 是通知類型的命名空間前綴，會被 FormatType 剝除
	Namespace string
	// UserModel 是推導使用者私有頻道名稱用的模型名稱
	UserModel string
	// NotificationEvent 是私有頻道上承載通知的事件名稱
	NotificationEvent string
}

func (cfg *Config) applyDefaults() {
	if cfg.UserModel == "" {
		cfg.UserModel = "App/Models/User"
	}
	if cfg.NotificationEvent == "" {
		cfg.NotificationEvent = "notification"
	}
}

// Echo 是核心的公開門面。所有方法都可以被多個 goroutine 並行呼叫。
type Echo struct {
	conn    transport.Connection
	cfg     Config
	logger  *slog.Logger
	reg     *registry
	monitor *ConnectionMonitor
	session *SessionManager
}

// New 以指定的 Transport 連線建立核心。
// Transport 的後端選擇器無法辨識時整個建構失敗。
func New(conn transport.Connection, cfg Config, logger *slog.Logger) (*Echo, error) {
	const op = "New"

	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	monitor, err := NewConnectionMonitor(conn, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to create connection monitor, err=%w", op, err)
	}

	reg := newRegistry(conn, logger)
	return &Echo{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		monitor: monitor,
		session: newSessionManager(reg, conn, cfg, logger),
	}, nil
}

// Join 加入指定名稱與類型的頻道。重複加入是冪等的：
// 同名頻道只向 Transport 訂閱一次，但同名不同類型的加入會失敗。
func (e *Echo) Join(name string, kind transport.ChannelKind) error {
	_, err := e.reg.getOrCreate(name, kind)
	return err
}

// Leave 離開頻道：解除所有低階回調、完成該頻道的每一個事件流、
// 移除頻道項目。對不存在的頻道是 no-op。
func (e *Echo) Leave(name string) error {
	return e.reg.remove(name)
}

// Listen 訂閱頻道上指定事件的流。頻道必須已經加入，否則回傳 ErrChannelNotFound。
// 同一個（頻道, 事件）的多個訂閱者共享同一個低階回調。
func (e *Echo) Listen(name, event string) (<-chan Event, error) {
	entry, err := e.reg.require(name)
	if err != nil {
		return nil, err
	}
	return entry.eventStream(event).Subscribe(), nil
}

// StopListening 取消單一訂閱者對指定事件的訂閱。
// 低階回調與其他訂閱者不受影響，只有 Leave 會解除低階回調。
func (e *Echo) StopListening(name, event string, ch <-chan Event) error {
	entry, err := e.reg.require(name)
	if err != nil {
		return err
	}
	if s, ok := lookupStream[*stream.Broadcaster[Event]](entry, event); ok {
		s.Unsubscribe(ch)
	}
	return nil
}

// ListenForWhisper 訂閱頻道上指定 whisper 事件的流。
// 公開頻道不支援 whisper，會同步回傳 ErrUnsupportedOperation。
func (e *Echo) ListenForWhisper(name, event string) (<-chan Event, error) {
	entry, err := e.reg.require(name)
	if err != nil {
		return nil, err
	}
	if err := entry.guardWhisper(); err != nil {
		return nil, err
	}
	return entry.whisperStream(event).Subscribe(), nil
}

// StopListeningForWhisper 取消單一訂閱者對指定 whisper 事件的訂閱。
func (e *Echo) StopListeningForWhisper(name, event string, ch <-chan Event) error {
	entry, err := e.reg.require(name)
	if err != nil {
		return err
	}
	if err := entry.guardWhisper(); err != nil {
		return err
	}
	if s, ok := lookupStream[*stream.Broadcaster[Event]](entry, whisperKeyPrefix+event); ok {
		s.Unsubscribe(ch)
	}
	return nil
}

// Whisper 向頻道上的其他用戶端送出 whisper 事件。
// 公開頻道不支援 whisper：同步失敗且不會發出任何 Transport 呼叫。
func (e *Echo) Whisper(name, event string, payload any) error {
	entry, err := e.reg.require(name)
	if err != nil {
		return err
	}
	if err := entry.guardWhisper(); err != nil {
		return err
	}
	return entry.handle.Whisper(event, payload)
}

// Joining 訂閱 Presence 頻道的成員加入流。
func (e *Echo) Joining(name string) (<-chan transport.Member, error) {
	entry, err := e.reg.require(name, transport.Presence)
	if err != nil {
		return nil, err
	}
	return entry.joiningStream().Subscribe(), nil
}

// Leaving 訂閱 Presence 頻道的成員離開流。
func (e *Echo) Leaving(name string) (<-chan transport.Member, error) {
	entry, err := e.reg.require(name, transport.Presence)
	if err != nil {
		return nil, err
	}
	return entry.leavingStream().Subscribe(), nil
}

// Users 訂閱 Presence 頻道的在線名單流。
// 名單送達後才訂閱的訂閱者會立即收到目前的名單，不需要等下一次變動。
func (e *Echo) Users(name string) (<-chan []transport.Member, error) {
	entry, err := e.reg.require(name, transport.Presence)
	if err != nil {
		return nil, err
	}
	return entry.usersStream().Subscribe(), nil
}

// Roster 回傳 Presence 頻道目前名單的快照；名單尚未送達時為 nil。
func (e *Echo) Roster(name string) ([]transport.Member, error) {
	entry, err := e.reg.require(name, transport.Presence)
	if err != nil {
		return nil, err
	}
	return entry.roster(), nil
}

// Notification 訂閱指定類型（剝除命名空間後）的通知流，WildcardType 代表所有類型。
func (e *Echo) Notification(notificationType string) <-chan Notification {
	return e.session.Notification(notificationType).Subscribe()
}

// StopNotification 取消單一訂閱者對指定類型通知的訂閱。
func (e *Echo) StopNotification(notificationType string, ch <-chan Notification) {
	e.session.Notification(notificationType).Unsubscribe(ch)
}

// Login 登入使用者，見 SessionManager.Login。
func (e *Echo) Login(headers http.Header, userID string) error {
	return e.session.Login(headers, userID)
}

// Logout 登出使用者，見 SessionManager.Logout。
func (e *Echo) Logout() error {
	return e.session.Logout()
}

// ConnectionState 訂閱去重後的布林連線狀態流。
func (e *Echo) ConnectionState() <-chan bool {
	return e.monitor.Connected()
}

// StopConnectionState 取消單一訂閱者對布林連線狀態流的訂閱。
func (e *Echo) StopConnectionState(ch <-chan bool) {
	e.monitor.UnsubscribeConnected(ch)
}

// RawConnectionState 訂閱原始連線生命週期事件流。
func (e *Echo) RawConnectionState() <-chan transport.LifecycleEvent {
	return e.monitor.RawEvents()
}

// StopRawConnectionState 取消單一訂閱者對原始生命週期事件流的訂閱。
func (e *Echo) StopRawConnectionState(ch <-chan transport.LifecycleEvent) {
	e.monitor.UnsubscribeRaw(ch)
}

// Connected 回報目前的連線狀態。
func (e *Echo) Connected() bool {
	return e.monitor.IsConnected()
}

// ConnectionID 回報目前連線的識別字串。
func (e *Echo) ConnectionID() string {
	return e.monitor.ConnectionID()
}

// Close 拆除所有頻道項目、完成所有流並關閉監視器。
// Transport 連線的生命週期由呼叫端持有，不在這裡關閉。
func (e *Echo) Close() error {
	err := e.reg.removeWhere(func(*channelEntry) bool { return true })
	e.session.close()
	e.monitor.Close()
	return err
}
