package echo

import "encoding/json"

// Event 是頻道上的一則事件。
type Event struct {
	// Channel 是事件所屬的頻道名稱
	Channel string `json:"channel"`
	// Name 是事件名稱，whisper 事件不帶前綴
	Name string `json:"name"`
	// Payload 是未經解讀的事件內容
	Payload json.RawMessage `json:"payload"`
}

// Notification 是送給已登入使用者的一則類型化通知。
type Notification struct {
	// Type 是剝除命名空間後的通知類型
	Type string `json:"type"`
	// Payload 是完整的通知內容，包含未剝除的原始類型欄位
	Payload json.RawMessage `json:"payload"`
}

// WildcardType 註冊通知監聽時代表「所有類型」的特殊值。
const WildcardType = "*"
