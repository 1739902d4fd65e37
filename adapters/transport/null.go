package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// NullConnection 是行程內的 loopback 後端：永遠連線、沒有生命週期事件，
// whisper 會直接回送給本機的 whisper 回調。
// 除了作為 BackendNull 家族的正式實作，也是測試用的後端，
// Emit*/Deliver* 系列方法可以模擬伺服器推送事件。
type NullConnection struct {
	mu       sync.RWMutex
	id       string
	channels map[string]*nullChannel
	headers  http.Header
	closed   bool
	logger   *slog.Logger
}

type nullChannel struct {
	mu       sync.RWMutex
	name     string
	kind     ChannelKind
	events   map[string]func(json.RawMessage)
	whispers map[string]func(json.RawMessage)
	presence PresenceHandlers
}

// NewNullConnection 建立一個 loopback 連線。
func NewNullConnection(logger *slog.Logger) *NullConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &NullConnection{
		id:       uuid.NewString(),
		channels: make(map[string]*nullChannel),
		headers:  http.Header{},
		logger:   logger.With(slog.String("caller", "NullConnection")),
	}
}

func (c *NullConnection) Backend() Backend { return BackendNull }

func (c *NullConnection) OpenChannel(name string, kind ChannelKind) (ChannelHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("connection is closed")
	}
	if ch, ok := c.channels[name]; ok {
		return ch, nil
	}
	ch := &nullChannel{
		name:     name,
		kind:     kind,
		events:   make(map[string]func(json.RawMessage)),
		whispers: make(map[string]func(json.RawMessage)),
	}
	c.channels[name] = ch
	c.logger.Debug("channel opened", slog.String("channel", name), slog.String("kind", kind.String()))
	return ch, nil
}

func (c *NullConnection) LeaveChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		ch.reset()
		delete(c.channels, name)
		c.logger.Debug("channel left", slog.String("channel", name))
	}
	return nil
}

// BindLifecycle 在 loopback 後端沒有事件可以送出，回傳的解除函式是 no-op。
func (c *NullConnection) BindLifecycle(func(LifecycleEvent)) func() {
	return func() {}
}

func (c *NullConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *NullConnection) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ""
	}
	return c.id
}

func (c *NullConnection) SetAuthHeaders(headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = headers
}

// AuthHeaders 回傳目前生效的認證標頭，供測試與閘道檢視。
func (c *NullConnection) AuthHeaders() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers
}

func (c *NullConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.reset()
	}
	clear(c.channels)
	return nil
}

// EmitEvent 模擬伺服器在頻道上推送一般事件。payload 會先被編碼為 JSON。
func (c *NullConnection) EmitEvent(channel, event string, payload any) error {
	ch, err := c.lookup(channel)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ch.dispatchEvent(event, raw)
	return nil
}

// EmitWhisper 模擬另一個用戶端在頻道上送出 whisper 事件。
func (c *NullConnection) EmitWhisper(channel, event string, payload any) error {
	ch, err := c.lookup(channel)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ch.dispatchWhisper(event, raw)
	return nil
}

// DeliverRoster 模擬初始在線名單送達。
func (c *NullConnection) DeliverRoster(channel string, members []Member) error {
	ch, err := c.lookup(channel)
	if err != nil {
		return err
	}
	ch.mu.RLock()
	fn := ch.presence.OnRoster
	ch.mu.RUnlock()
	if fn != nil {
		fn(members)
	}
	return nil
}

// DeliverJoin 模擬一位成員加入。
func (c *NullConnection) DeliverJoin(channel string, member Member) error {
	ch, err := c.lookup(channel)
	if err != nil {
		return err
	}
	ch.mu.RLock()
	fn := ch.presence.OnJoin
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
	return nil
}

// DeliverLeave 模擬一位成員離開。
func (c *NullConnection) DeliverLeave(channel string, member Member) error {
	ch, err := c.lookup(channel)
	if err != nil {
		return err
	}
	ch.mu.RLock()
	fn := ch.presence.OnLeave
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
	return nil
}

func (c *NullConnection) lookup(channel string) (*nullChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channel]
	if !ok {
		return nil, fmt.Errorf("channel %q is not open", channel)
	}
	return ch, nil
}

func (ch *nullChannel) Name() string      { return ch.name }
func (ch *nullChannel) Kind() ChannelKind { return ch.kind }

func (ch *nullChannel) Bind(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.events[event] = fn
}

func (ch *nullChannel) Unbind(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.events, event)
}

func (ch *nullChannel) BindWhisper(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.whispers[event] = fn
}

func (ch *nullChannel) UnbindWhisper(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.whispers, event)
}

// Whisper 在 loopback 後端沒有對端，直接回送給本機的 whisper 回調。
func (ch *nullChannel) Whisper(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ch.dispatchWhisper(event, raw)
	return nil
}

func (ch *nullChannel) BindPresence(handlers PresenceHandlers) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presence = handlers
}

func (ch *nullChannel) dispatchEvent(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.events[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *nullChannel) dispatchWhisper(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.whispers[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *nullChannel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	clear(ch.events)
	clear(ch.whispers)
	ch.presence = PresenceHandlers{}
}
