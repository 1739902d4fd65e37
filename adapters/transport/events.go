package transport

import "time"

// Backend 是後端家族選擇器。每個家族有自己互不相容的生命週期事件詞彙。
type Backend string

const (
	// BackendNull 永遠連線的本機後端，沒有生命週期事件。
	BackendNull Backend = "null"
	// BackendSocket socket 式後端，以離散的連線事件描述生命週期。
	BackendSocket Backend = "socket"
	// BackendStateful 具名狀態機式後端，以狀態轉移加上重試延遲事件描述生命週期。
	BackendStateful Backend = "stateful"
)

// LifecycleEvent 是底層連線生命週期事件的封閉聯集。
// 每個變體都屬於且僅屬於一個後端家族。
type LifecycleEvent interface {
	// Family 回傳事件所屬的後端家族
	Family() Backend
	lifecycle()
}

// ----- BackendSocket 家族 -----

// SocketConnect 連線建立完成。
type SocketConnect struct{}

// SocketConnectError 連線建立失敗。
type SocketConnectError struct{ Err error }

// SocketConnectTimeout 連線建立逾時。
type SocketConnectTimeout struct{}

// SocketReconnect 重連成功。
type SocketReconnect struct{ Attempt int }

// SocketReconnectAttempt 即將嘗試第 Attempt 次重連。
type SocketReconnectAttempt struct{ Attempt int }

// SocketReconnecting 正在進行第 Attempt 次重連。
type SocketReconnecting struct{ Attempt int }

// SocketReconnectError 單次重連失敗。
type SocketReconnectError struct{ Err error }

// SocketReconnectFailed 重連次數用盡，放棄重連。
type SocketReconnectFailed struct{}

// SocketError 連線上發生錯誤，不代表連線中斷。
type SocketError struct{ Err error }

// SocketDisconnect 連線中斷。
type SocketDisconnect struct{ Reason string }

// SocketPing 向伺服器送出心跳。不改變連線狀態。
type SocketPing struct{}

// SocketPong 收到伺服器的心跳回應。不改變連線狀態。
type SocketPong struct{ Latency time.Duration }

func (SocketConnect) Family() Backend          { return BackendSocket }
func (SocketConnectError) Family() Backend     { return BackendSocket }
func (SocketConnectTimeout) Family() Backend   { return BackendSocket }
func (SocketReconnect) Family() Backend        { return BackendSocket }
func (SocketReconnectAttempt) Family() Backend { return BackendSocket }
func (SocketReconnecting) Family() Backend     { return BackendSocket }
func (SocketReconnectError) Family() Backend   { return BackendSocket }
func (SocketReconnectFailed) Family() Backend  { return BackendSocket }
func (SocketError) Family() Backend            { return BackendSocket }
func (SocketDisconnect) Family() Backend       { return BackendSocket }
func (SocketPing) Family() Backend             { return BackendSocket }
func (SocketPong) Family() Backend             { return BackendSocket }

func (SocketConnect) lifecycle()          {}
func (SocketConnectError) lifecycle()     {}
func (SocketConnectTimeout) lifecycle()   {}
func (SocketReconnect) lifecycle()        {}
func (SocketReconnectAttempt) lifecycle() {}
func (SocketReconnecting) lifecycle()     {}
func (SocketReconnectError) lifecycle()   {}
func (SocketReconnectFailed) lifecycle()  {}
func (SocketError) lifecycle()            {}
func (SocketDisconnect) lifecycle()       {}
func (SocketPing) lifecycle()             {}
func (SocketPong) lifecycle()             {}

// ----- BackendStateful 家族 -----

// ConnState 是狀態機式後端的具名連線狀態。
type ConnState string

const (
	StateInitialized  ConnState = "initialized"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateUnavailable  ConnState = "unavailable"
	StateFailed       ConnState = "failed"
	StateDisconnected ConnState = "disconnected"
)

// StateChange 連線狀態發生轉移。
type StateChange struct {
	Previous ConnState
	Current  ConnState
}

// ConnectingIn 已排定在 Delay 之後重新嘗試連線。
type ConnectingIn struct{ Delay time.Duration }

func (StateChange) Family() Backend  { return BackendStateful }
func (ConnectingIn) Family() Backend { return BackendStateful }

func (StateChange) lifecycle()  {}
func (ConnectingIn) lifecycle() {}
