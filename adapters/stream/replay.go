package stream

import "sync"

// Replay 是帶有「重播最新值」語意的廣播流：
// 新訂閱者會立即收到最近一次發布的值（若存在），之後的行為與 Broadcaster 相同。
// 適合承載快照型資料（連線狀態、在線名單），離散事件請使用 Broadcaster。
type Replay[T any] struct {
	b *Broadcaster[T]

	mu     sync.Mutex
	latest T
	seen   bool
	equal  func(a, b T) bool
}

// NewReplay 建立一個重播最新值的廣播流。
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{b: NewBroadcaster[T]()}
}

// NewReplayDistinct 建立一個去重的重播流：
// 與最近一次發布相等的值會被丟棄，連續相同的值只會發出一次。
func NewReplayDistinct[T comparable]() *Replay[T] {
	return &Replay[T]{
		b:     NewBroadcaster[T](),
		equal: func(a, b T) bool { return a == b },
	}
}

// Subscribe 建立一個新的訂閱。若已有最新值，訂閱者會先收到該值。
func (r *Replay[T]) Subscribe() <-chan T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen {
		return r.b.subscribe([]T{r.latest})
	}
	return r.b.subscribe(nil)
}

// Unsubscribe 移除指定的訂閱並關閉其通道。
func (r *Replay[T]) Unsubscribe(ch <-chan T) {
	r.b.Unsubscribe(ch)
}

// Publish 將值廣播給所有訂閱者並記錄為最新值。
// 去重模式下，與最新值相等的發布會被忽略。
func (r *Replay[T]) Publish(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.equal != nil && r.seen && r.equal(r.latest, value) {
		return
	}
	r.latest = value
	r.seen = true
	r.b.Publish(value)
}

// Latest 回傳最近一次發布的值，以及是否曾經發布過。
func (r *Replay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.seen
}

// Close 關閉廣播流，所有訂閱者的通道都會被關閉。
func (r *Replay[T]) Close() {
	r.b.Close()
}

// IsIdle 判斷是否沒有任何訂閱者。
func (r *Replay[T]) IsIdle() bool {
	return r.b.IsIdle()
}
