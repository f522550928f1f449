package shared

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNonBinaryMessage is returned by Read when the peer sends a text frame.
var ErrNonBinaryMessage = errors.New("received non-binary message")

// WebSocketConnAdapter 实现了 net.Conn 接口, 每个二进制消息按顺序成为字节流的一部分。
type WebSocketConnAdapter struct {
	*websocket.Conn
	readBuffer *frameBuffer
	writeMu    sync.Mutex
	closed     atomic.Bool
}

// NewWebSocketConnAdapter 创建一个新的适配器实例。
func NewWebSocketConnAdapter(ws *websocket.Conn) *WebSocketConnAdapter {
	return &WebSocketConnAdapter{
		Conn:       ws,
		readBuffer: &frameBuffer{},
	}
}

// Read 方法实现了 io.Reader 接口。
func (wsc *WebSocketConnAdapter) Read(b []byte) (int, error) {
	// 空消息不能当作 EOF, 继续读下一帧
	for wsc.readBuffer.Len() == 0 {
		msgType, msg, err := wsc.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			return 0, ErrNonBinaryMessage
		}
		wsc.readBuffer.fill(msg)
	}
	return wsc.readBuffer.Read(b)
}

// Write sends b as one binary message.
func (wsc *WebSocketConnAdapter) Write(b []byte) (int, error) {
	if wsc.closed.Load() {
		return 0, net.ErrClosed
	}
	wsc.writeMu.Lock()
	defer wsc.writeMu.Unlock()
	if err := wsc.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// IsOpen reports whether Close has not been called yet.
func (wsc *WebSocketConnAdapter) IsOpen() bool { return !wsc.closed.Load() }

// CloseWithCode sends a close frame before tearing down the socket. Only the
// first call has any effect.
func (wsc *WebSocketConnAdapter) CloseWithCode(code int, reason string) error {
	if !wsc.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = wsc.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return wsc.Conn.Close()
}

func (wsc *WebSocketConnAdapter) Close() error {
	return wsc.CloseWithCode(websocket.CloseNormalClosure, "")
}

func (wsc *WebSocketConnAdapter) LocalAddr() net.Addr  { return wsc.Conn.LocalAddr() }
func (wsc *WebSocketConnAdapter) RemoteAddr() net.Addr { return wsc.Conn.RemoteAddr() }
func (wsc *WebSocketConnAdapter) SetDeadline(t time.Time) error {
	_ = wsc.Conn.SetReadDeadline(t)
	return wsc.Conn.SetWriteDeadline(t)
}
func (wsc *WebSocketConnAdapter) SetReadDeadline(t time.Time) error {
	return wsc.Conn.SetReadDeadline(t)
}
func (wsc *WebSocketConnAdapter) SetWriteDeadline(t time.Time) error {
	return wsc.Conn.SetWriteDeadline(t)
}
