package channel

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studycircle/chat-backend/internal/models"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsQueueSize    = 256
)

// WebSocketTransport is the production Transport: one persistent websocket
// carrying JSON-framed envelopes, one per line of the wire format. The
// server's pings refresh the read deadline; the heartbeat envelopes the
// channel sends keep intermediaries from idling the connection out.
type WebSocketTransport struct {
	url    string
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn
	recv chan models.Envelope
}

// NewWebSocketTransport creates a transport that dials url on Open.
// header carries identification (user id, display name) to the server.
func NewWebSocketTransport(url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{url: url, header: header}
}

func (t *WebSocketTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(t.url, t.header)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
	})

	t.conn = conn
	t.recv = make(chan models.Envelope, wsQueueSize)
	go t.readPump(conn, t.recv)
	return nil
}

func (t *WebSocketTransport) Send(env models.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(env)
}

func (t *WebSocketTransport) Receive() <-chan models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// readPump decodes inbound frames into envelopes until the connection
// fails, then closes the receive queue so the channel sees the loss.
func (t *WebSocketTransport) readPump(conn *websocket.Conn, recv chan models.Envelope) {
	defer close(recv)
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("channel: websocket read: %v", err)
			}
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}
		if !env.Kind.Valid() {
			log.Printf("channel: dropping frame with invalid kind %q", env.Kind)
			continue
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		select {
		case recv <- env:
		default:
			log.Printf("channel: receive queue full, dropping %s", env.Kind)
		}
	}
}
