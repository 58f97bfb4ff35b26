package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memalerts/backend/internal/protocol"
)

// Transport names reported by Transport.Kind.
const (
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
)

// Transport moves whole frames over one duplex connection. ReadFrame is only
// called from the receive loop; WriteFrame calls are serialised by the session.
type Transport interface {
	// ReadFrame returns the next payload. A *protocol.FramingError leaves the
	// transport usable; any other error is fatal.
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
	Kind() string
}

// TCPTransport frames over a stream connection.
type TCPTransport struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
}

// NewTCPTransport wraps conn. maxFrame <= 0 selects protocol.DefaultMaxFrameSize.
func NewTCPTransport(conn net.Conn, maxFrame int) *TCPTransport {
	return &TCPTransport{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		maxFrame: maxFrame,
	}
}

func (t *TCPTransport) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(t.reader, t.maxFrame)
}

func (t *TCPTransport) WriteFrame(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return protocol.WriteFrame(t.conn, payload)
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

func (t *TCPTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *TCPTransport) Kind() string { return KindTCP }

// WebSocketTransport carries exactly one frame per binary websocket message.
type WebSocketTransport struct {
	conn      *websocket.Conn
	maxFrame  int
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an upgraded or dialled websocket connection.
func NewWebSocketTransport(conn *websocket.Conn, maxFrame int) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, maxFrame: maxFrame}
}

func (t *WebSocketTransport) ReadFrame() ([]byte, error) {
	kind, r, err := t.conn.NextReader()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, &protocol.FramingError{Reason: "websocket message is not binary"}
	}

	// Unread bytes of this message are discarded by the next NextReader call,
	// so an oversized or short frame never desynchronises the stream.
	payload, err := protocol.ReadFrame(r, t.maxFrame)
	if err != nil {
		if protocol.IsFramingError(err) {
			return nil, err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &protocol.FramingError{Reason: "websocket message shorter than declared frame", Err: err}
		}
		return nil, err
	}
	return payload, nil
}

func (t *WebSocketTransport) WriteFrame(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, protocol.Wrap(payload)); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// Close sends a best-effort close message and tears down the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *WebSocketTransport) Kind() string { return KindWebSocket }

// IsClosed reports whether err is an ordinary end of connection rather than a failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure)
}

var _ Transport = (*TCPTransport)(nil)
var _ Transport = (*WebSocketTransport)(nil)
