package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echobridge/adapters/transport"
	"echobridge/echo"
)

func TestListenersShareOneCallback(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("room", transport.Public))
	first, err := e.Listen("room", "msg")
	require.NoError(t, err)
	second, err := e.Listen("room", "msg")
	require.NoError(t, err)

	// 同一個（頻道, 事件）只向 Transport 綁定一次回調
	assert.Equal(t, 1, conn.bindCount("room", "msg"))

	require.NoError(t, conn.EmitEvent("room", "msg", map[string]any{"body": "hi"}))
	got := recv(t, first)
	assert.Equal(t, "room", got.Channel)
	assert.Equal(t, "msg", got.Name)
	assert.JSONEq(t, `{"body":"hi"}`, string(got.Payload))
	assert.Equal(t, got, recv(t, second))

	// 其中一個訂閱者退訂後另一個照常收到
	require.NoError(t, e.StopListening("room", "msg", first))
	require.NoError(t, conn.EmitEvent("room", "msg", "again"))
	recv(t, second)
	recvClosed(t, first)
}

func TestEventAndWhisperKeysDoNotCollide(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("room", transport.Private))
	events, err := e.Listen("room", "typing")
	require.NoError(t, err)
	whispers, err := e.ListenForWhisper("room", "typing")
	require.NoError(t, err)

	// 同名的一般事件與 whisper 事件各自綁定、各自派送
	assert.Equal(t, 1, conn.bindCount("room", "typing"))
	assert.Equal(t, 1, conn.bindCount("room", whisperBindKey("typing")))

	require.NoError(t, conn.EmitEvent("room", "typing", "event"))
	assert.JSONEq(t, `"event"`, string(recv(t, events).Payload))
	recvNone(t, whispers)

	require.NoError(t, conn.EmitWhisper("room", "typing", "whisper"))
	assert.JSONEq(t, `"whisper"`, string(recv(t, whispers).Payload))
	recvNone(t, events)
}

func TestWhisperGuardOnPublicChannel(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("lobby", transport.Public))

	// 公開頻道的 whisper 同步失敗，且完全不觸發 Transport 呼叫
	err := e.Whisper("lobby", "typing", "hello")
	assert.ErrorIs(t, err, echo.ErrUnsupportedOperation)
	assert.Equal(t, 0, conn.whisperCount("lobby"))

	_, err = e.ListenForWhisper("lobby", "typing")
	assert.ErrorIs(t, err, echo.ErrUnsupportedOperation)
	assert.Equal(t, 0, conn.bindCount("lobby", whisperBindKey("typing")))
}

func TestWhisperRoundTrip(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("room", transport.Private))
	whispers, err := e.ListenForWhisper("room", "typing")
	require.NoError(t, err)

	require.NoError(t, e.Whisper("room", "typing", map[string]any{"user": "a"}))
	assert.Equal(t, 1, conn.whisperCount("room"))

	// loopback 後端會把 whisper 回送給本機的回調
	got := recv(t, whispers)
	assert.Equal(t, "typing", got.Name)
	assert.JSONEq(t, `{"user":"a"}`, string(got.Payload))
}

func TestPresenceRoster(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("game", transport.Presence))
	users, err := e.Users("game")
	require.NoError(t, err)
	joining, err := e.Joining("game")
	require.NoError(t, err)
	leaving, err := e.Leaving("game")
	require.NoError(t, err)

	// 名單尚未送達
	recvNone(t, users)
	roster, err := e.Roster("game")
	require.NoError(t, err)
	assert.Nil(t, roster)

	alice := transport.Member{ID: "1", Info: map[string]any{"name": "alice"}}
	bob := transport.Member{ID: "2", Info: map[string]any{"name": "bob"}}
	carol := transport.Member{ID: "3", Info: map[string]any{"name": "carol"}}

	// 初始名單整批替換
	require.NoError(t, conn.DeliverRoster("game", []transport.Member{alice, bob}))
	assert.Equal(t, []transport.Member{alice, bob}, recv(t, users))

	// 成員加入：附加到名單並只在 joining 流上發出
	require.NoError(t, conn.DeliverJoin("game", carol))
	assert.Equal(t, carol, recv(t, joining))
	recvNone(t, users)
	roster, err = e.Roster("game")
	require.NoError(t, err)
	assert.Equal(t, []transport.Member{alice, bob, carol}, roster)

	// 成員離開：以 ID 移除第一個相符者
	require.NoError(t, conn.DeliverLeave("game", bob))
	assert.Equal(t, bob, recv(t, leaving))
	roster, err = e.Roster("game")
	require.NoError(t, err)
	assert.Equal(t, []transport.Member{alice, carol}, roster)

	// 名單中沒有的成員離開：名單不變，但 leaving 流照樣發出
	ghost := transport.Member{ID: "99"}
	require.NoError(t, conn.DeliverLeave("game", ghost))
	assert.Equal(t, ghost, recv(t, leaving))
	roster, err = e.Roster("game")
	require.NoError(t, err)
	assert.Equal(t, []transport.Member{alice, carol}, roster)

	// 晚到的訂閱者立即收到最近一次送達的名單
	late, err := e.Users("game")
	require.NoError(t, err)
	assert.Equal(t, []transport.Member{alice, bob}, recv(t, late))
}

func TestPresenceEmitsDeepCopies(t *testing.T) {
	e, conn := newTestEcho(t)

	require.NoError(t, e.Join("game", transport.Presence))
	users, err := e.Users("game")
	require.NoError(t, err)

	require.NoError(t, conn.DeliverRoster("game", []transport.Member{
		{ID: "1", Info: map[string]any{"name": "alice"}},
	}))

	// 訂閱者修改收到的成員資訊不會污染內部名單
	got := recv(t, users)
	got[0].Info["name"] = "mallory"

	roster, err := e.Roster("game")
	require.NoError(t, err)
	assert.Equal(t, "alice", roster[0].Info["name"])
}

func TestPresenceStreamsRequirePresenceChannel(t *testing.T) {
	e, _ := newTestEcho(t)

	require.NoError(t, e.Join("room", transport.Private))

	_, err := e.Users("room")
	assert.ErrorIs(t, err, echo.ErrKindMismatch)
	_, err = e.Joining("room")
	assert.ErrorIs(t, err, echo.ErrKindMismatch)
	_, err = e.Leaving("room")
	assert.ErrorIs(t, err, echo.ErrKindMismatch)
	_, err = e.Roster("room")
	assert.ErrorIs(t, err, echo.ErrKindMismatch)
}
