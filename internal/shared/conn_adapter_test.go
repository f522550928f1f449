package shared

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// wsPair returns a server side adapter and the raw client socket.
func wsPair(t *testing.T) (*WebSocketConnAdapter, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *WebSocketConnAdapter, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- NewWebSocketConnAdapter(ws)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-serverSide, client
}

func TestWebSocketConnAdapter_PartialReads(t *testing.T) {
	adapter, client := wsPair(t)
	if err := client.WriteMessage(websocket.BinaryMessage, []byte("frame")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	buf := make([]byte, 3)
	n, err := adapter.Read(buf)
	if err != nil || string(buf[:n]) != "fra" {
		t.Fatalf("Expected 'fra', but got '%s' (err %v)", buf[:n], err)
	}
	n, err = adapter.Read(buf)
	if err != nil || string(buf[:n]) != "me" {
		t.Fatalf("Expected 'me', but got '%s' (err %v)", buf[:n], err)
	}
}

func TestWebSocketConnAdapter_RejectsText(t *testing.T) {
	adapter, client := wsPair(t)
	client.WriteMessage(websocket.TextMessage, []byte("hello"))
	if _, err := adapter.Read(make([]byte, 8)); err != ErrNonBinaryMessage {
		t.Fatalf("Expected ErrNonBinaryMessage, but got %v", err)
	}
}

func TestWebSocketConnAdapter_CloseWithCode(t *testing.T) {
	adapter, client := wsPair(t)
	if err := adapter.CloseWithCode(websocket.CloseInternalServerErr, "no route"); err != nil {
		t.Fatalf("CloseWithCode() returned an error: %v", err)
	}
	if adapter.IsOpen() {
		t.Error("Expected adapter to report closed")
	}
	if _, err := adapter.Write([]byte("x")); err == nil {
		t.Error("Expected write after close to fail")
	}

	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Errorf("Expected close code %d, but got %v", websocket.CloseInternalServerErr, err)
	}
}
