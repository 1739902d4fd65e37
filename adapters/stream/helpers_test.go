package stream_test

import (
	"testing"
	"time"
)

// recv 在超時前從通道讀出一個值，否則讓測試失敗。
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before a value arrived")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("did not receive value in time")
	}
	var zero T
	return zero
}

// recvClosed 讀完通道中剩餘的值並確認通道在超時前關閉。
func recvClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("channel was not closed in time")
		}
	}
}
