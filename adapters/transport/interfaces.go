package transport

import (
	"encoding/json"
	"net/http"
)

// ChannelKind 表示頻道的存取類型。
type ChannelKind int

const (
	// Public 公開頻道，不需要認證，登出後仍然存續。
	Public ChannelKind = iota
	// Private 私有頻道，需要認證，沒有成員名單。
	Private
	// Presence 在線頻道，需要認證，帶有成員名單。
	Presence
)

func (k ChannelKind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	case Presence:
		return "presence"
	default:
		return "unknown"
	}
}

// Member 表示 Presence 頻道中的一位成員。名單比對以 ID 為準。
type Member struct {
	ID   string         `json:"id" msgpack:"id"`
	Info map[string]any `json:"info,omitempty" msgpack:"info,omitempty"`
}

// Clone 回傳成員的深拷貝，讓訂閱者的修改不會影響內部名單或其他訂閱者。
func (m Member) Clone() Member {
	clone := Member{ID: m.ID}
	if m.Info != nil {
		clone.Info = make(map[string]any, len(m.Info))
		for k, v := range m.Info {
			clone.Info[k] = v
		}
	}
	return clone
}

// PresenceHandlers 綁定 Presence 頻道的三種低階回調。
type PresenceHandlers struct {
	// OnRoster 在初始名單送達時被呼叫
	OnRoster func(members []Member)
	// OnJoin 在成員加入時被呼叫
	OnJoin func(member Member)
	// OnLeave 在成員離開時被呼叫
	OnLeave func(member Member)
}

// ChannelHandle 是單一已開啟頻道的底層控制代碼，由開啟它的呼叫者獨佔持有。
type ChannelHandle interface {
	// Name 回傳頻道名稱
	Name() string
	// Kind 回傳頻道類型
	Kind() ChannelKind
	// Bind 註冊一般事件的回調，同一事件的重複註冊會覆蓋前一個回調
	Bind(event string, fn func(payload json.RawMessage))
	// Unbind 移除一般事件的回調
	Unbind(event string)
	// BindWhisper 註冊 whisper 事件的回調
	BindWhisper(event string, fn func(payload json.RawMessage))
	// UnbindWhisper 移除 whisper 事件的回調
	UnbindWhisper(event string)
	// Whisper 向頻道上的其他用戶端送出 whisper 事件
	Whisper(event string, payload any) error
	// BindPresence 註冊 Presence 回調，只對 Presence 頻道有意義
	BindPresence(handlers PresenceHandlers)
}

// Connection 是核心對即時訊息後端的全部依賴。
// 重連、退避與認證握手由實作負責，核心只消費這個介面。
type Connection interface {
	// Backend 回傳後端家族選擇器，決定生命週期事件的詞彙
	Backend() Backend
	// OpenChannel 開啟（訂閱）指定名稱與類型的頻道
	OpenChannel(name string, kind ChannelKind) (ChannelHandle, error)
	// LeaveChannel 離開頻道，之後該頻道的回調不再被呼叫
	LeaveChannel(name string) error
	// BindLifecycle 註冊底層連線生命週期事件的回調，回傳解除註冊的函式
	BindLifecycle(fn func(event LifecycleEvent)) (unbind func())
	// IsConnected 回報目前是否連線，是連線狀態的權威來源
	IsConnected() bool
	// ConnectionID 回報目前連線的識別字串，未連線時為空字串
	ConnectionID() string
	// SetAuthHeaders 整批替換認證標頭，立即對後續的認證請求生效
	SetAuthHeaders(headers http.Header)
	// Close 關閉連線並釋放所有資源
	Close() error
}
