package echo

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"echobridge/adapters/stream"
	"echobridge/adapters/transport"
)

// SessionManager 在頻道總表之上協調已認證使用者的登入與登出，
// 並把私有頻道上的通知按類型扇出給各自的監聽流。
//
// 會話狀態機只有兩個狀態：登出、以某個使用者登入。
// 以不同使用者重複登入會先隱含登出（完整拆除所有非公開頻道），
// 登入絕不疊加兩個使用者的狀態。
type SessionManager struct {
	reg    *registry
	conn   transport.Connection
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	userChannel   string
	notifications map[string]*stream.Broadcaster[Notification]
}

func newSessionManager(reg *registry, conn transport.Connection, cfg Config, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		reg:           reg,
		conn:          conn,
		cfg:           cfg,
		logger:        logger.With(slog.String("caller", "SessionManager")),
		notifications: make(map[string]*stream.Broadcaster[Notification]),
	}
}

// Login 以指定的認證標頭登入使用者：
// 推導使用者的私有頻道名稱、整批替換認證標頭並推送給 Transport、
// 訂閱私有頻道並掛上唯一一個通知監聽。
// 已有不同使用者登入時會先隱含登出；同一使用者重複登入只重新宣告標頭，
// 不會重複訂閱頻道。
func (m *SessionManager) Login(headers http.Header, userID string) error {
	const op = "SessionManager.Login"

	m.mu.Lock()
	defer m.mu.Unlock()

	channel := UserChannelName(m.cfg.UserModel, userID)
	if m.userChannel != "" && m.userChannel != channel {
		if err := m.logoutLocked(); err != nil {
			return fmt.Errorf("%s: implicit logout: %w", op, err)
		}
	}

	// 標頭是整批替換而不是合併，且每個後端都以明確的推送呼叫同步
	m.conn.SetAuthHeaders(headers)

	if m.userChannel == channel {
		return nil
	}

	entry, err := m.reg.getOrCreate(channel, transport.Private)
	if err != nil {
		return fmt.Errorf("%s: subscribe user channel: %w", op, err)
	}
	entry.handle.Bind(m.cfg.NotificationEvent, m.handleNotification)
	m.userChannel = channel
	m.logger.Info("logged in", slog.String("channel", channel))
	return nil
}

// Logout 登出目前的使用者：離開所有非公開頻道（公開頻道代表未認證的共享狀態，
// 跨登出存續）、把認證標頭清為空表，並清掉追蹤中的使用者頻道名稱，
// 讓之後同一使用者的 Login 重新訂閱。
func (m *SessionManager) Logout() error {
	const op = "SessionManager.Logout"

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.logoutLocked(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *SessionManager) logoutLocked() error {
	if err := m.reg.removeWhere(func(e *channelEntry) bool {
		return e.kind != transport.Public
	}); err != nil {
		return err
	}
	m.conn.SetAuthHeaders(http.Header{})
	if m.userChannel != "" {
		m.logger.Info("logged out", slog.String("channel", m.userChannel))
	}
	m.userChannel = ""
	return nil
}

// Notification 回傳指定類型通知的監聽流，型別是剝除命名空間後的通知類型，
// WildcardType 代表所有類型。流在第一次呼叫時惰性建立，存活到 Close 為止。
func (m *SessionManager) Notification(notificationType string) *stream.Broadcaster[Notification] {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.notifications[notificationType]
	if !ok {
		s = stream.NewBroadcaster[Notification]()
		m.notifications[notificationType] = s
	}
	return s
}

// notificationEnvelope 只解讀通知內容中的類型欄位。
type notificationEnvelope struct {
	Type string `json:"type"`
}

// handleNotification 是掛在私有頻道上的唯一通知監聽：
// 剝除類型的命名空間後，分別轉發給該類型的監聽流與萬用監聽流（兩者都可能觸發）。
func (m *SessionManager) handleNotification(payload json.RawMessage) {
	var envelope notificationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		m.logger.Error("malformed notification", slog.Any("error", err))
		return
	}

	notification := Notification{
		Type:    FormatType(m.cfg.Namespace, envelope.Type),
		Payload: payload,
	}

	m.mu.Lock()
	exact := m.notifications[notification.Type]
	wildcard := m.notifications[WildcardType]
	m.mu.Unlock()

	if exact != nil {
		exact.Publish(notification)
	}
	if wildcard != nil {
		wildcard.Publish(notification)
	}
}

// close 完成所有通知流。
func (m *SessionManager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.notifications {
		s.Close()
	}
	clear(m.notifications)
}
