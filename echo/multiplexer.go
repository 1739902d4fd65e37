package echo

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"echobridge/adapters/stream"
	"echobridge/adapters/transport"
)

// 監聽表的保留鍵。一般事件以事件名稱為鍵，whisper 事件加上前綴，
// presence 偽事件使用底線包圍的保留鍵，三者即使同名也不會互相衝突。
const (
	keyUsers   = "_users_"
	keyJoining = "_joining_"
	keyLeaving = "_leaving_"

	whisperKeyPrefix = "client-"
)

// listenerStream 是監聽表中任何一種流的共同能力：teardown 時被完成。
type listenerStream interface {
	Close()
}

// channelEntry 是單一活躍頻道的項目：獨佔持有 Transport 的頻道控制代碼，
// 並以事件鍵對應到各自的廣播流。每個事件鍵至多只對 Transport 註冊一個低階回調，
// 訂閱者的扇出都在行程內進行。
type channelEntry struct {
	name   string
	kind   transport.ChannelKind
	handle transport.ChannelHandle

	mu            sync.Mutex
	listeners     map[string]listenerStream
	members       []transport.Member
	presenceBound bool
}

// streamFor 以事件鍵查詢既有的流；不存在時呼叫 create 建立、存入監聽表，
// 並恰好呼叫一次 attach 綁定低階回調。同一個鍵的重複呼叫回傳同一個流。
func streamFor[S listenerStream](e *channelEntry, key string, create func() S, attach func(S)) S {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.listeners[key]; ok {
		return existing.(S)
	}
	s := create()
	e.listeners[key] = s
	attach(s)
	return s
}

// eventStream 回傳頻道上一般事件的廣播流，必要時惰性綁定低階回調。
func (e *channelEntry) eventStream(event string) *stream.Broadcaster[Event] {
	return streamFor(e, event, stream.NewBroadcaster[Event], func(s *stream.Broadcaster[Event]) {
		e.handle.Bind(event, func(payload json.RawMessage) {
			s.Publish(Event{Channel: e.name, Name: event, Payload: payload})
		})
	})
}

// whisperStream 回傳頻道上 whisper 事件的廣播流。
// 公開頻道不支援 whisper，呼叫端需先通過 guardWhisper。
func (e *channelEntry) whisperStream(event string) *stream.Broadcaster[Event] {
	return streamFor(e, whisperKeyPrefix+event, stream.NewBroadcaster[Event], func(s *stream.Broadcaster[Event]) {
		e.handle.BindWhisper(event, func(payload json.RawMessage) {
			s.Publish(Event{Channel: e.name, Name: event, Payload: payload})
		})
	})
}

// lookupStream 只查詢既有的流，不會建立新的流或綁定回調。
func lookupStream[S listenerStream](e *channelEntry, key string) (S, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.listeners[key]
	if !ok {
		var zero S
		return zero, false
	}
	return existing.(S), true
}

// guardWhisper 檢查頻道類型是否允許 whisper。
func (e *channelEntry) guardWhisper() error {
	if e.kind == transport.Public {
		return fmt.Errorf("whisper on public channel %q: %w", e.name, ErrUnsupportedOperation)
	}
	return nil
}

// bindPresence 惰性地向 Transport 註冊唯一一組 presence 回調，
// 並同時建立三個 presence 流。名單維護規則：
//   - 初始名單送達時整批替換 members，並在 _users_ 上發出深拷貝；
//   - 成員加入時附加到 members（名單尚未送達時先建立），在 _joining_ 上發出深拷貝；
//   - 成員離開時以 ID 比對移除第一個相符者，無論是否找到都在 _leaving_ 上發出深拷貝。
//
// 發出深拷貝讓訂閱者的修改不會污染內部名單或其他訂閱者。
func (e *channelEntry) bindPresence() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.presenceBound {
		return
	}
	e.presenceBound = true

	users := stream.NewReplay[[]transport.Member]()
	joining := stream.NewBroadcaster[transport.Member]()
	leaving := stream.NewBroadcaster[transport.Member]()
	e.listeners[keyUsers] = users
	e.listeners[keyJoining] = joining
	e.listeners[keyLeaving] = leaving

	e.handle.BindPresence(transport.PresenceHandlers{
		OnRoster: func(members []transport.Member) {
			e.mu.Lock()
			e.members = cloneMembers(members)
			e.mu.Unlock()
			users.Publish(cloneMembers(members))
		},
		OnJoin: func(member transport.Member) {
			e.mu.Lock()
			e.members = append(e.members, member.Clone())
			e.mu.Unlock()
			joining.Publish(member.Clone())
		},
		OnLeave: func(member transport.Member) {
			e.mu.Lock()
			if _, idx, found := lo.FindIndexOf(e.members, func(m transport.Member) bool {
				return m.ID == member.ID
			}); found {
				e.members = slices.Delete(e.members, idx, idx+1)
			}
			e.mu.Unlock()
			leaving.Publish(member.Clone())
		},
	})
}

// usersStream 回傳在線名單流。名單是快照而不是離散事件，
// 因此使用重播最新值的流，晚到的訂閱者會立即收到目前的名單。
func (e *channelEntry) usersStream() *stream.Replay[[]transport.Member] {
	e.bindPresence()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[keyUsers].(*stream.Replay[[]transport.Member])
}

// joiningStream 回傳成員加入流。
func (e *channelEntry) joiningStream() *stream.Broadcaster[transport.Member] {
	e.bindPresence()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[keyJoining].(*stream.Broadcaster[transport.Member])
}

// leavingStream 回傳成員離開流。
func (e *channelEntry) leavingStream() *stream.Broadcaster[transport.Member] {
	e.bindPresence()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[keyLeaving].(*stream.Broadcaster[transport.Member])
}

// roster 回傳目前名單的深拷貝；名單尚未送達時為 nil。
func (e *channelEntry) roster() []transport.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.members == nil {
		return nil
	}
	return cloneMembers(e.members)
}

// closeListeners 完成項目的每一個監聽流。必須在 Transport 已離開頻道之後呼叫，
// 這樣就不會有晚到的低階回調在流完成後再發出事件。
func (e *channelEntry) closeListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.listeners {
		s.Close()
	}
	clear(e.listeners)
}

func cloneMembers(members []transport.Member) []transport.Member {
	return lo.Map(members, func(m transport.Member, _ int) transport.Member {
		return m.Clone()
	})
}
