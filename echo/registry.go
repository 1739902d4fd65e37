package echo

import (
	"fmt"
	"log/slog"
	"sync"

	"echobridge/adapters/transport"
)

// registry 擁有活躍頻道的總表：建立、查詢、移除頻道項目，並保證類型一致。
// 總表與每個項目的監聽表都由 registry 獨佔持有，外部元件不得直接修改。
type registry struct {
	mu      sync.RWMutex
	conn    transport.Connection
	entries map[string]*channelEntry
	logger  *slog.Logger
}

func newRegistry(conn transport.Connection, logger *slog.Logger) *registry {
	return &registry{
		conn:    conn,
		entries: make(map[string]*channelEntry),
		logger:  logger.With(slog.String("caller", "registry")),
	}
}

// find 查詢既有的頻道項目，不存在時回傳 nil。
// 有指定預期類型時，同名但類型不符的項目會使查詢失敗。
func (r *registry) find(name string, expected ...transport.ChannelKind) (*channelEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(name, expected...)
}

func (r *registry) findLocked(name string, expected ...transport.ChannelKind) (*channelEntry, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, nil
	}
	if len(expected) > 0 && entry.kind != expected[0] {
		return nil, fmt.Errorf("channel %q has kind %s, not %s: %w",
			name, entry.kind, expected[0], ErrKindMismatch)
	}
	return entry, nil
}

// require 與 find 相同，但項目不存在時回傳 ErrChannelNotFound，
// 錯誤訊息區分「沒有這個頻道」與「沒有這種類型的頻道」。
func (r *registry) require(name string, expected ...transport.ChannelKind) (*channelEntry, error) {
	entry, err := r.find(name, expected...)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if len(expected) > 0 {
			return nil, fmt.Errorf("no %s channel named %q: %w", expected[0], name, ErrChannelNotFound)
		}
		return nil, fmt.Errorf("no channel named %q: %w", name, ErrChannelNotFound)
	}
	return entry, nil
}

// getOrCreate 回傳既有的項目（通過類型檢查後），否則向 Transport 訂閱頻道、
// 建立新項目並插入總表。每個名稱在被移除前恰好只會觸發一次 Transport 訂閱。
func (r *registry) getOrCreate(name string, kind transport.ChannelKind) (*channelEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.findLocked(name, kind)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	handle, err := r.conn.OpenChannel(name, kind)
	if err != nil {
		return nil, fmt.Errorf("open channel %q: %w", name, err)
	}
	entry = &channelEntry{
		name:      name,
		kind:      kind,
		handle:    handle,
		listeners: make(map[string]listenerStream),
	}
	r.entries[name] = entry
	r.logger.Debug("channel joined",
		slog.String("channel", name),
		slog.String("kind", kind.String()))
	return entry, nil
}

// remove 移除頻道項目，對不存在的名稱是 no-op。
// 順序是固定的：先讓 Transport 離開頻道（停止低階回調的派送），
// 再完成（關閉）項目的每一個監聽流，最後才把項目移出總表。
func (r *registry) remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(name)
}

func (r *registry) removeLocked(name string) error {
	entry, ok := r.entries[name]
	if !ok {
		return nil
	}
	if err := r.conn.LeaveChannel(name); err != nil {
		return fmt.Errorf("leave channel %q: %w", name, err)
	}
	entry.closeListeners()
	delete(r.entries, name)
	r.logger.Debug("channel left", slog.String("channel", name))
	return nil
}

// removeWhere 移除所有符合條件的頻道項目，登出時用來批次離開非公開頻道。
func (r *registry) removeWhere(pred func(*channelEntry) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, entry := range r.entries {
		if pred(entry) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if err := r.removeLocked(name); err != nil {
			return err
		}
	}
	return nil
}

// size 回傳活躍頻道的數量。
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
