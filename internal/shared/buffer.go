package shared

import "sync"

// frameBuffer 保存当前 WebSocket 消息中尚未读取的部分, 不做拷贝。
type frameBuffer struct {
	mu      sync.Mutex
	pending []byte
}

// fill replaces the pending bytes with msg. Only called once the previous
// message has been fully consumed.
func (b *frameBuffer) fill(msg []byte) {
	b.mu.Lock()
	b.pending = msg
	b.mu.Unlock()
}

func (b *frameBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Len returns the number of unread bytes.
func (b *frameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
