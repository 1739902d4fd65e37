package echo

import "errors"

var (
	// ErrChannelNotFound 操作引用了不存在的頻道。
	ErrChannelNotFound = errors.New("channel not found")
	// ErrKindMismatch 同名頻道已存在，但類型與預期不符。
	ErrKindMismatch = errors.New("channel exists with a different kind")
	// ErrUnsupportedOperation 此頻道類型不支援該操作（例如在公開頻道上 whisper）。
	ErrUnsupportedOperation = errors.New("operation not supported on this channel kind")
	// ErrUnknownBackend 建構時收到無法辨識的後端選擇器。
	ErrUnknownBackend = errors.New("unknown transport backend")
)
