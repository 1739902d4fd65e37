package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// redisFrame 是 redis 後端的線路格式，以 msgpack 編碼後發布到 pub/sub 頻道。
type redisFrame struct {
	Event   string  `msgpack:"event"`
	Kind    string  `msgpack:"kind"`
	Sender  string  `msgpack:"sender"`
	Payload []byte  `msgpack:"payload,omitempty"`
	Member  *Member `msgpack:"member,omitempty"`
}

// redisFrame.Kind 的值。
const (
	frameKindEvent   = "event"
	frameKindWhisper = "whisper"
	frameKindJoin    = "join"
	frameKindLeave   = "leave"
)

// RedisConfig 是 redis 後端的連線設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 是 pub/sub 頻道與 presence 集合鍵值的前綴
	KeyPrefix string
	// PingInterval 是健康檢查的間隔
	PingInterval time.Duration
	// ReconnectDelay 是健康檢查失敗後重試前的延遲
	ReconnectDelay time.Duration
	// MaxFailures 是進入 failed 狀態前可容忍的連續失敗次數
	MaxFailures int
}

func (cfg *RedisConfig) applyDefaults() {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "echobridge"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
}

// RedisConnection 是 BackendStateful 家族的實作：
// 頻道事件經由 redis pub/sub 轉送，presence 名單保存在每個頻道一個的 redis 集合，
// 連線健康以定期 ping 追蹤，並以具名狀態機的轉移作為生命週期事件。
type RedisConnection struct {
	cfg    RedisConfig
	logger *slog.Logger
	client *redis.Client
	pubsub *redis.PubSub
	id     string

	mu        sync.RWMutex
	state     ConnState
	channels  map[string]*redisChannel
	lifecycle map[int]func(LifecycleEvent)
	nextBind  int
	headers   http.Header
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisConnection 建立 redis 後端連線並啟動事件派送與健康檢查。
func NewRedisConnection(cfg RedisConfig, logger *slog.Logger) (*RedisConnection, error) {
	const op = "NewRedisConnection"

	if cfg.Addr == "" {
		return nil, fmt.Errorf("%s: addr cannot be empty", op)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisConnection{
		cfg:       cfg,
		logger:    logger.With(slog.String("caller", "RedisConnection")),
		client:    client,
		id:        uuid.NewString(),
		state:     StateInitialized,
		channels:  make(map[string]*redisChannel),
		lifecycle: make(map[int]func(LifecycleEvent)),
		headers:   http.Header{},
		ctx:       ctx,
		cancel:    cancel,
	}

	c.transition(StateConnecting)
	if err := client.Ping(ctx).Err(); err != nil {
		c.transition(StateFailed)
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("[%s] fail to reach redis, addr=%s, err=%w", op, cfg.Addr, err)
	}
	c.transition(StateConnected)

	// 先訂閱一個空集合，之後 OpenChannel 再動態加入
	c.pubsub = client.Subscribe(ctx)

	c.wg.Add(2)
	go c.readPump()
	go c.healthLoop()
	return c, nil
}

func (c *RedisConnection) Backend() Backend { return BackendStateful }

func (c *RedisConnection) channelKey(name string) string {
	return c.cfg.KeyPrefix + ":channel:" + name
}

func (c *RedisConnection) presenceKey(name string) string {
	return c.cfg.KeyPrefix + ":presence:" + name
}

// transition 切換狀態並發出 StateChange 事件，相同狀態不重複發出。
func (c *RedisConnection) transition(next ConnState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.emit(StateChange{Previous: prev, Current: next})
}

func (c *RedisConnection) emit(event LifecycleEvent) {
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

// healthLoop 定期 ping redis 並依結果推進狀態機。
func (c *RedisConnection) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Ping(c.ctx).Err(); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				failures++
				c.logger.Warn("health check failed",
					slog.Int("failures", failures),
					slog.Any("error", err))
				if failures >= c.cfg.MaxFailures {
					c.transition(StateFailed)
				} else {
					c.transition(StateUnavailable)
				}
				c.emit(ConnectingIn{Delay: c.cfg.ReconnectDelay})

				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.cfg.ReconnectDelay):
					c.transition(StateConnecting)
				}
				continue
			}
			failures = 0
			c.transition(StateConnected)
		}
	}
}

// readPump 讀取 pub/sub 訊息並派送給對應頻道，自己發出的訊息會被略過。
func (c *RedisConnection) readPump() {
	defer c.wg.Done()

	for msg := range c.pubsub.Channel() {
		var frame redisFrame
		if err := msgpack.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			c.logger.Error("malformed frame",
				slog.String("channel", msg.Channel),
				slog.Any("error", err))
			continue
		}
		if frame.Sender == c.id {
			continue
		}

		c.mu.RLock()
		var ch *redisChannel
		for _, candidate := range c.channels {
			if c.channelKey(candidate.name) == msg.Channel {
				ch = candidate
				break
			}
		}
		c.mu.RUnlock()
		if ch == nil {
			continue
		}

		switch frame.Kind {
		case frameKindEvent:
			ch.dispatchEvent(frame.Event, frame.Payload)
		case frameKindWhisper:
			ch.dispatchWhisper(frame.Event, frame.Payload)
		case frameKindJoin:
			if frame.Member != nil {
				ch.dispatchJoin(*frame.Member)
			}
		case frameKindLeave:
			if frame.Member != nil {
				ch.dispatchLeave(*frame.Member)
			}
		}
	}
}

func (c *RedisConnection) publish(name string, frame redisFrame) error {
	frame.Sender = c.id
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.client.Publish(c.ctx, c.channelKey(name), data).Err()
}

func (c *RedisConnection) OpenChannel(name string, kind ChannelKind) (ChannelHandle, error) {
	const op = "RedisConnection.OpenChannel"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection is closed", op)
	}
	if ch, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := &redisChannel{
		conn:     c,
		name:     name,
		kind:     kind,
		events:   make(map[string]func(json.RawMessage)),
		whispers: make(map[string]func(json.RawMessage)),
	}
	c.channels[name] = ch
	c.mu.Unlock()

	if err := c.pubsub.Subscribe(c.ctx, c.channelKey(name)); err != nil {
		c.mu.Lock()
		delete(c.channels, name)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: subscribe channel %q: %w", op, name, err)
	}

	if kind == Presence {
		if err := c.announceJoin(ch); err != nil {
			c.logger.Error("presence announce failed",
				slog.String("channel", name),
				slog.Any("error", err))
		}
	}
	return ch, nil
}

// announceJoin 把自己加入 presence 集合並向其他節點廣播加入事件。
func (c *RedisConnection) announceJoin(ch *redisChannel) error {
	member := Member{ID: c.id}
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	if err := c.client.SAdd(c.ctx, c.presenceKey(ch.name), data).Err(); err != nil {
		return fmt.Errorf("join presence set: %w", err)
	}
	return c.publish(ch.name, redisFrame{Kind: frameKindJoin, Member: &member})
}

// announceLeave 把自己移出 presence 集合並向其他節點廣播離開事件。
func (c *RedisConnection) announceLeave(ch *redisChannel) error {
	member := Member{ID: c.id}
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	if err := c.client.SRem(c.ctx, c.presenceKey(ch.name), data).Err(); err != nil {
		return fmt.Errorf("leave presence set: %w", err)
	}
	return c.publish(ch.name, redisFrame{Kind: frameKindLeave, Member: &member})
}

// fetchRoster 從 presence 集合讀出目前的成員名單。
func (c *RedisConnection) fetchRoster(name string) ([]Member, error) {
	raw, err := c.client.SMembers(c.ctx, c.presenceKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence set: %w", err)
	}
	members := make([]Member, 0, len(raw))
	for _, item := range raw {
		var m Member
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			c.logger.Error("malformed presence member", slog.Any("error", err))
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

func (c *RedisConnection) LeaveChannel(name string) error {
	const op = "RedisConnection.LeaveChannel"

	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, name)
	c.mu.Unlock()

	if ch.kind == Presence {
		if err := c.announceLeave(ch); err != nil {
			c.logger.Error("presence leave failed",
				slog.String("channel", name),
				slog.Any("error", err))
		}
	}
	ch.reset()
	if err := c.pubsub.Unsubscribe(c.ctx, c.channelKey(name)); err != nil {
		return fmt.Errorf("%s: unsubscribe channel %q: %w", op, name, err)
	}
	return nil
}

func (c *RedisConnection) BindLifecycle(fn func(LifecycleEvent)) func() {
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

func (c *RedisConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

func (c *RedisConnection) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return ""
	}
	return c.id
}

func (c *RedisConnection) SetAuthHeaders(headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = headers
}

func (c *RedisConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*redisChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	clear(c.channels)
	c.mu.Unlock()

	// 離開所有 presence 集合，讓其他節點看到我們下線
	for _, ch := range channels {
		if ch.kind == Presence {
			if err := c.announceLeave(ch); err != nil {
				c.logger.Error("presence leave failed on close",
					slog.String("channel", ch.name),
					slog.Any("error", err))
			}
		}
	}

	c.transition(StateDisconnected)
	err := c.pubsub.Close()
	c.cancel()
	c.wg.Wait()
	if closeErr := c.client.Close(); err == nil {
		err = closeErr
	}
	return err
}

// redisChannel 是 redis 後端上單一頻道的控制代碼。
type redisChannel struct {
	conn *RedisConnection
	name string
	kind ChannelKind

	mu       sync.RWMutex
	events   map[string]func(json.RawMessage)
	whispers map[string]func(json.RawMessage)
	presence PresenceHandlers
}

func (ch *redisChannel) Name() string      { return ch.name }
func (ch *redisChannel) Kind() ChannelKind { return ch.kind }

func (ch *redisChannel) Bind(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.events[event] = fn
}

func (ch *redisChannel) Unbind(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.events, event)
}

func (ch *redisChannel) BindWhisper(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.whispers[event] = fn
}

func (ch *redisChannel) UnbindWhisper(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.whispers, event)
}

func (ch *redisChannel) Whisper(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return ch.conn.publish(ch.name, redisFrame{
		Kind:    frameKindWhisper,
		Event:   event,
		Payload: raw,
	})
}

// BindPresence 註冊回調後非同步抓取目前名單，送達時呼叫 OnRoster。
func (ch *redisChannel) BindPresence(handlers PresenceHandlers) {
	ch.mu.Lock()
	ch.presence = handlers
	ch.mu.Unlock()

	if handlers.OnRoster == nil {
		return
	}
	ch.conn.wg.Add(1)
	go func() {
		defer ch.conn.wg.Done()
		members, err := ch.conn.fetchRoster(ch.name)
		if err != nil {
			ch.conn.logger.Error("roster fetch failed",
				slog.String("channel", ch.name),
				slog.Any("error", err))
			return
		}
		ch.dispatchRoster(members)
	}()
}

func (ch *redisChannel) dispatchEvent(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.events[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *redisChannel) dispatchWhisper(event string, payload json.RawMessage) {
	ch.mu.RLock()
	fn := ch.whispers[event]
	ch.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *redisChannel) dispatchRoster(members []Member) {
	ch.mu.RLock()
	fn := ch.presence.OnRoster
	ch.mu.RUnlock()
	if fn != nil {
		fn(members)
	}
}

func (ch *redisChannel) dispatchJoin(member Member) {
	ch.mu.RLock()
	fn := ch.presence.OnJoin
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
}

func (ch *redisChannel) dispatchLeave(member Member) {
	ch.mu.RLock()
	fn := ch.presence.OnLeave
	ch.mu.RUnlock()
	if fn != nil {
		fn(member)
	}
}

func (ch *redisChannel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	clear(ch.events)
	clear(ch.whispers)
	ch.presence = PresenceHandlers{}
}
