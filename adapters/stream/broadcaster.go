package stream

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// Broadcaster 管理單一事件流的所有訂閱者，並將發布的值廣播給每個訂閱者。
// 每個訂閱者擁有獨立的無界緩衝，因此 Publish 永遠不會因為慢速的訂閱者而阻塞，
// 而單一訂閱者觀察到的值順序與發布順序一致。
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[<-chan T]*subscriber[T]
	closed      bool
}

// subscriber 持有單一訂閱者的無界緩衝佇列。
// cancel 會立即終止佇列並丟棄未消費的值；close(in) 則會先送完佇列中的值再關閉。
type subscriber[T any] struct {
	in     chan<- T
	cancel context.CancelFunc
	once   sync.Once
}

// drop 立即終止訂閱，丟棄佇列中尚未消費的值。
func (s *subscriber[T]) drop() {
	s.once.Do(s.cancel)
}

// complete 送完佇列中的值後正常關閉訂閱者的通道。
func (s *subscriber[T]) complete() {
	s.once.Do(func() { close(s.in) })
}

// NewBroadcaster 建立一個新的廣播流。
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subscribers: make(map[<-chan T]*subscriber[T]),
	}
}

// Subscribe 建立一個新的訂閱並回傳接收值的唯讀通道。
// 廣播流關閉後的訂閱會得到一個已關閉的通道。
func (b *Broadcaster[T]) Subscribe() <-chan T {
	return b.subscribe(nil)
}

// subscribe 在持有寫鎖的情況下註冊訂閱者，並在回傳前將 seed 中的值寫入佇列。
// 寫鎖保證 seed 與後續 Publish 的值不會交錯，Replay 依賴這個順序。
func (b *Broadcaster[T]) subscribe(seed []T) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := chanx.NewUnboundedChan[T](ctx, 16)
	b.subscribers[queue.Out] = &subscriber[T]{
		in:     queue.In,
		cancel: cancel,
	}
	for _, v := range seed {
		queue.In <- v
	}
	return queue.Out
}

// Unsubscribe 移除指定的訂閱並關閉其通道，佇列中尚未消費的值會被丟棄。
// 對不存在的通道呼叫是無害的。
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		sub.drop()
	}
}

// Publish 將值廣播給所有訂閱者。廣播流關閉後的發布會被忽略。
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		sub.in <- value
	}
}

// Close 關閉廣播流：每個訂閱者會先收完已發布的值，然後觀察到通道關閉。
// 關閉後的 Publish 與 Subscribe 都不會再有效果。
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.complete()
	}
	clear(b.subscribers)
}

// IsIdle 判斷是否沒有任何訂閱者。
func (b *Broadcaster[T]) IsIdle() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers) == 0
}
