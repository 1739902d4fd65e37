package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallnest/chanx"
)

// whisperEventPrefix 是 whisper 事件在線路上的前綴，
// 讓同名的一般事件與 whisper 事件不會互相衝突。
const whisperEventPrefix = "client-"

// 線路上的控制事件。
const (
	frameEventEstablished = "conn:established"
	frameEventSubscribe   = "subscribe"
	frameEventUnsubscribe = "unsubscribe"
	frameEventRoster      = "presence:here"
	frameEventJoining     = "presence:joining"
	frameEventLeaving     = "presence:leaving"
)

// socketFrame 是 socket 後端的線路格式：JSON 編碼的事件信封。
type socketFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload 是 subscribe 控制事件的內容。
type subscribePayload struct {
	Kind string              `json:"kind"`
	Auth map[string][]string `json:"auth,omitempty"`
}

// establishedPayload 是伺服器握手完成事件的內容。
type establishedPayload struct {
	SocketID string `json:"socket_id"`
}

// SocketConfig 是 socket 後端的連線設定。
type SocketConfig struct {
	URL                  string
	DialTimeout          time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (cfg *SocketConfig) applyDefaults() {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
}

// SocketConnection 是 BackendSocket 家族的實作：
// 一條 gorilla/websocket 連線，單一 read pump goroutine 負責所有頻道回調的派送，
// 生命週期事件經由獨立的派送 goroutine 依序送給所有註冊者。
type SocketConnection struct {
	cfg    SocketConfig
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	connID    string
	headers   http.Header
	channels  map[string]*socketChannel
	lifecycle map[int]func(LifecycleEvent)
	nextBind  int
	closed    bool

	writeMu  sync.Mutex
	lastPing time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events *chanx.UnboundedChan[LifecycleEvent]
	wg     sync.WaitGroup
}

// NewSocketConnection 撥接到指定的 websocket 端點並啟動事件派送。
// 初次撥接失敗會使建構失敗，之後的斷線由內部的重連迴圈處理。
func NewSocketConnection(cfg SocketConfig, logger *slog.Logger) (*SocketConnection, error) {
	const op = "NewSocketConnection"

	if cfg.URL == "" {
		return nil, fmt.Errorf("%s: url cannot be empty", op)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SocketConnection{
		cfg:       cfg,
		logger:    logger.With(slog.String("caller", "SocketConnection")),
		headers:   http.Header{},
		channels:  make(map[string]*socketChannel),
		lifecycle: make(map[int]func(LifecycleEvent)),
		ctx:       ctx,
		cancel:    cancel,
		events:    chanx.NewUnboundedChan[LifecycleEvent](ctx, 16),
	}

	if err := c.dial(); err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("[%s] dial timed out, url=%s, err=%w", op, cfg.URL, err)
		}
		return nil, fmt.Errorf("[%s] fail to dial, url=%s, err=%w", op, cfg.URL, err)
	}

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.run()
	c.emit(SocketConnect{})
	return c, nil
}

func (c *SocketConnection) Backend() Backend { return BackendSocket }

// dial 建立 websocket 連線並掛上心跳處理。
func (c *SocketConnection) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	c.mu.RLock()
	headers := c.headers.Clone()
	c.mu.RUnlock()

	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, headers)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		c.mu.RLock()
		last := c.lastPing
		c.mu.RUnlock()
		c.emit(SocketPong{Latency: time.Since(last)})
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	// 伺服器的 conn:established 事件到達前先用本機識別字串
	c.connID = uuid.NewString()
	c.mu.Unlock()
	return nil
}

// run 負責 read pump 與斷線後的重連迴圈。
func (c *SocketConnection) run() {
	defer c.wg.Done()

	for {
		pingCtx, stopPing := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.pingLoop(pingCtx)

		err := c.readPump()
		stopPing()

		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.connected = false
		c.connID = ""
		c.mu.Unlock()
		c.emit(SocketError{Err: err})
		c.emit(SocketDisconnect{Reason: err.Error()})

		if !c.reconnect() {
			return
		}
	}
}

// reconnect 以固定間隔重試撥接，回報是否重連成功。
func (c *SocketConnection) reconnect() bool {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.emit(SocketReconnectAttempt{Attempt: attempt})

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.cfg.ReconnectDelay):
		}

		c.emit(SocketReconnecting{Attempt: attempt})
		if err := c.dial(); err != nil {
			c.emit(SocketReconnectError{Err: err})
			continue
		}

		c.emit(SocketReconnect{Attempt: attempt})
		c.resubscribe()
		return true
	}
	c.emit(SocketReconnectFailed{})
	return false
}

// resubscribe 在重連後重新送出所有頻道的訂閱。
func (c *SocketConnection) resubscribe() {
	c.mu.RLock()
	channels := make([]*socketChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.RUnlock()

	for _, ch := range channels {
		if err := c.sendSubscribe(ch.name, ch.kind); err != nil {
			c.logger.Error("resubscribe failed",
				slog.String("channel", ch.name),
				slog.Any("error", err))
		}
	}
}

// readPump 讀取並派送線路上的事件，連線中斷時回傳錯誤。
func (c *SocketConnection) readPump() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Error("malformed frame", slog.Any("error", err))
			continue
		}
		c.dispatchFrame(frame)
	}
}

// dispatchFrame 在 read pump goroutine 上派送單一事件信封。
func (c *SocketConnection) dispatchFrame(frame socketFrame) {
	if frame.Event == frameEventEstablished {
		var payload establishedPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil && payload.SocketID != "" {
			c.mu.Lock()
			c.connID = payload.SocketID
			c.mu.Unlock()
		}
		return
	}

	c.mu.RLock()
	ch := c.channels[frame.Channel]
	c.mu.RUnlock()
	if ch == nil {
		return
	}

	switch frame.Event {
	case frameEventRoster:
		var members []Member
		if err := json.Unmarshal(frame.Payload, &members); err != nil {
			c.logger.Error("malformed roster", slog.String("channel", frame.Channel), slog.Any("error", err))
			return
		}
		ch.dispatchRoster(members)
	case frameEventJoining, frameEventLeaving:
		var member Member
		if err := json.Unmarshal(frame.Payload, &member); err != nil {
			c.logger.Error("malformed member", slog.String("channel", frame.Channel), slog.Any("error", err))
			return
		}
		if frame.Event == frameEventJoining {
			ch.dispatchJoin(member)
		} else {
			ch.dispatchLeave(member)
		}
	default:
		if event, ok := strings.CutPrefix(frame.Event, whisperEventPrefix); ok {
			ch.dispatchWhisper(event, frame.Payload)
			return
		}
		ch.dispatchEvent(frame.Event, frame.Payload)
	}
}

// pingLoop 定期送出心跳。
func (c *SocketConnection) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.lastPing = time.Now()
			conn := c.conn
			c.mu.Unlock()

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.DialTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("ping failed", slog.Any("error", err))
				continue
			}
			c.emit(SocketPing{})
		}
	}
}

// dispatchLoop 依發生順序把生命週期事件送給所有註冊者。
func (c *SocketConnection) dispatchLoop() {
	defer c.wg.Done()

	for event := range c.events.Out {
		c.mu.RLock()
		listeners := make([]func(LifecycleEvent), 0, len(c.lifecycle))
		for _, fn := range c.lifecycle {
			listeners = append(listeners, fn)
		}
		c.mu.RUnlock()

		for _, fn := range listeners {
			fn(event)
		}
	}
}

func (c *SocketConnection) emit(event LifecycleEvent) {
	select {
	case <-c.ctx.Done():
	case c.events.In <- event:
	}
}

func (c *SocketConnection) writeFrame(frame socketFrame) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return fmt.Errorf("connection is not established")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *SocketConnection) sendSubscribe(name string, kind ChannelKind) error {
	c.mu.RLock()
	auth := map[string][]string(c.headers.Clone())
	c.mu.RUnlock()

	payload, err := json.Marshal(subscribePayload{Kind: kind.String(), Auth: auth})
	if err != nil {
		return fmt.Errorf("encode subscribe payload: %w", err)
	}
	return c.writeFrame(socketFrame{Event: frameEventSubscribe, Channel: name, Payload: payload})
}

func (c *SocketConnection) OpenChannel(name string, kind ChannelKind) (ChannelHandle, error) {
	const op = "SocketConnection.OpenChannel"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection is closed", op)
	}
	if ch, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := &socketChannel{
		conn:     c,
		name:     name,
		kind:     kind,
		events:   make(map[string]func(json.RawMessage)),
		whispers: make(map[string]func(json.RawMessage)),
	}
	c.channels[name] = ch
	c.mu.Unlock()

	if err := c.sendSubscribe(name, kind); err != nil {
		c.mu.Lock()
		delete(c.channels, name)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: subscribe channel %q: %w", op, name, err)
	}
	return ch, nil
}

func (c *SocketConnection) LeaveChannel(name string) error {
	const op = "SocketConnection.LeaveChannel"

	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	// 先移出表再通知伺服器，之後到達的事件都會被 dispatchFrame 丟棄
	delete(c.channels, name)
	c.mu.Unlock()

	ch.reset()
	if err := c.writeFrame(socketFrame{Event: frameEventUnsubscribe, Channel: name}); err != nil {
		return fmt.Errorf("%s: unsubscribe channel %q: %w", op, name, err)
	}
	return nil
}

func (c *SocketConnection) BindLifecycle(fn func(LifecycleEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextBind
	c.nextBind++
	c.lifecycle[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.lifecycle, id)
	}
}

func (c *SocketConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *SocketConnection) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

func (c *SocketConnection) SetAuthHeaders(headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = headers
}

func (c *SocketConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// socketChannel 是 socket 後端上單一頻道的控制代碼。
// 回調表只會被 read pump goroutine 讀取。
type socketChannel struct {
	conn *SocketConnection
	name string
	kind ChannelKind

	mu       sync.RWMutex
	events   map[string]func(json.RawMessage)
	whispers map[string]func(json.RawMessage)
	presence PresenceHandlers
}

func (ch *socketChannel) Name() string      { return ch.name }
func (ch *socketChannel) Kind() ChannelKind { return ch.kind }

func (ch *socketChannel) Bind(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.events[event] = fn
}

func (ch *socketChannel) Unbind(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.events, event)
}

func (ch *socketChannel) BindWhisper(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.whispers[event] = fn
}

func (ch *socketChannel) UnbindWhisper(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.whispers, event)
}

func (ch *socketChannel) Whisper(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return ch.conn.writeFrame(socketFrame{
		Event:   whisperEventPrefix + event,
		Channel: ch.name,
		Payload: raw,
	})
}

func (ch *socketChannel) BindPresence(handlers PresenceHandlers) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presence = handlers
}

func (ch *socketChannel) dispatchEvent(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.events[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *socketChannel) dispatchWhisper(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.whispers[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *socketChannel) dispatchRoster(members []Member) {
	ch.mu.RLock()
	fn := ch.presence.OnRoster
	ch.mu.RUnlock()
	if fn != nil {
		fn(members)
	}
}

func (ch *socketChannel) dispatchJoin(member Member) {
	ch.mu.RLock()
	fn := ch.presence.OnJoin
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
}

func (ch *socketChannel) dispatchLeave(member Member) {
	ch.mu.RLock()
	fn := ch.presence.OnLeave
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
}

func (ch *socketChannel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	clear(ch.events)
	clear(ch.whispers)
	ch.presence = PresenceHandlers{}
}
