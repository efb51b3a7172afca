package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the minimal duplex-framing boundary a Session runs over.
// Decoupling it from gorilla/websocket keeps the state machine in
// session.go testable without a real socket.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsTransport adapts a gorilla/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	// v1 is single-agent with a bearer token gating every other method;
	// the origin check is intentionally permissive since the transport
	// is expected to sit behind the operator's own network boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a WebSocket connection and wraps
// it as a Transport.
func Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSTransport(conn), nil
}
