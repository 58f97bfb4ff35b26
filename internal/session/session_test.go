package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/protocol"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []protocol.Message
	received chan protocol.Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{received: make(chan protocol.Message, 16)}
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ *Session, msg protocol.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.received <- msg
}

func (h *recordingHandler) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-h.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func startPipeSession(t *testing.T, registry *Registry, handler Handler, opts Options) (*Session, net.Conn, chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := New(context.Background(), NewTCPTransport(server, opts.MaxFrameSize), opts)
	if registry != nil {
		registry.Add(s)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(handler) }()
	t.Cleanup(func() {
		client.Close()
		s.Terminate(nil)
	})
	return s, client, done
}

func writeRaw(t *testing.T, conn net.Conn, declared uint32, body []byte) {
	t.Helper()
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, declared)
	if _, err := conn.Write(append(header, body...)); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
}

func TestSessionSurvivesBadFrames(t *testing.T) {
	handler := newRecordingHandler()
	s, client, _ := startPipeSession(t, nil, handler, Options{MaxFrameSize: 128})

	writeRaw(t, client, 15, []byte(`{"type":"nope"}`))
	writeRaw(t, client, 200, []byte(strings.Repeat("x", 200)))
	writeRaw(t, client, 6, []byte(`{"a":1`))
	if err := protocol.WriteFrame(client, protocol.Encode(protocol.GetFriendsRequest{})); err != nil {
		t.Fatalf("write valid frame: %v", err)
	}

	if msg := handler.next(t); msg.Type() != protocol.TypeGetFriends {
		t.Fatalf("unexpected message %#v", msg)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("expected session to stay open, got %s", s.State())
	}

	go func() { _ = s.Send(protocol.AuthResponse{Success: true, Token: "t"}) }()
	reply, err := protocol.NewCodec(0).ReadMessage(client)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if resp, ok := reply.(protocol.AuthResponse); !ok || resp.Token != "t" {
		t.Fatalf("unexpected reply %#v", reply)
	}
}

func TestSessionTerminatesOnceOnDisconnect(t *testing.T) {
	registry := NewRegistry()
	s, client, done := startPipeSession(t, registry, newRecordingHandler(), Options{})

	if err := registry.Authenticate(s, "user-1", "tok"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !registry.IsOnline("user-1") || registry.Len() != 1 {
		t.Fatal("expected session to be registered")
	}

	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown on peer close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}

	s.Terminate(errors.New("second call is ignored"))
	<-s.Done()

	if s.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %s", s.State())
	}
	if registry.Len() != 0 || registry.IsOnline("user-1") || len(registry.ForUser("user-1")) != 0 {
		t.Fatal("expected registry to forget the session")
	}
	if err := s.Send(protocol.GetFriendsRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after terminate, got %v", err)
	}
	if err := registry.Authenticate(s, "user-1", "tok"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected terminated session not to re-register, got %v", err)
	}
}

func TestSessionWriteDeadlineTerminatesStalledPeer(t *testing.T) {
	registry := NewRegistry()
	s, _, _ := startPipeSession(t, registry, newRecordingHandler(), Options{WriteTimeout: 50 * time.Millisecond})

	// nothing reads the client side of the pipe
	err := s.Send(protocol.GetFriendsRequest{})
	if err == nil {
		t.Fatal("expected write to time out")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected stalled session to terminate")
	}
	if registry.Len() != 0 {
		t.Fatal("expected stalled session to be removed")
	}
}

func TestSessionCancelledByParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server, client := net.Pipe()
	defer client.Close()

	s := New(ctx, NewTCPTransport(server, 0), Options{})
	done := make(chan error, 1)
	go func() { done <- s.Run(newRecordingHandler()) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the receive loop")
	}
	if s.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %s", s.State())
	}
}

func TestRegistryReauthenticationMovesIndex(t *testing.T) {
	registry := NewRegistry()
	first, _, _ := startPipeSession(t, registry, newRecordingHandler(), Options{})
	second, _, _ := startPipeSession(t, registry, newRecordingHandler(), Options{})
	anonymous, _, _ := startPipeSession(t, registry, newRecordingHandler(), Options{})

	if err := registry.Authenticate(first, "alice", "t1"); err != nil {
		t.Fatalf("authenticate first: %v", err)
	}
	if err := registry.Authenticate(second, "alice", "t2"); err != nil {
		t.Fatalf("authenticate second: %v", err)
	}
	if got := len(registry.ForUser("alice")); got != 2 {
		t.Fatalf("expected two devices for alice, got %d", got)
	}

	if err := registry.Authenticate(second, "bob", "t3"); err != nil {
		t.Fatalf("re-authenticate: %v", err)
	}
	if got := len(registry.ForUser("alice")); got != 1 {
		t.Fatalf("expected alice to keep one session, got %d", got)
	}
	if got := registry.ForUser("bob"); len(got) != 1 || got[0] != second {
		t.Fatalf("expected second session under bob, got %v", got)
	}
	if second.UserID() != "bob" || second.Token() != "t3" {
		t.Fatalf("unexpected identity %q/%q", second.UserID(), second.Token())
	}

	authenticated := registry.Authenticated()
	if len(authenticated) != 2 {
		t.Fatalf("expected two authenticated sessions, got %d", len(authenticated))
	}
	for _, s := range authenticated {
		if s == anonymous {
			t.Fatal("unauthenticated session must not be listed")
		}
	}
	if registry.Len() != 3 {
		t.Fatalf("expected three live sessions, got %d", registry.Len())
	}

	registry.CloseAll()
	for _, s := range []*Session{first, second, anonymous} {
		<-s.Done()
	}
	if registry.Len() != 0 {
		t.Fatalf("expected registry to be empty, got %d", registry.Len())
	}
}

func TestWebSocketTransport(t *testing.T) {
	handler := newRecordingHandler()
	upgrader := websocket.Upgrader{}
	sessions := make(chan *Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := New(context.Background(), NewWebSocketTransport(conn, 64), Options{MaxFrameSize: 64})
		sessions <- s
		_ = s.Run(handler)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s := <-sessions
	if s.RemoteAddr() == "" {
		t.Fatal("expected remote address")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	oversized := make([]byte, protocol.HeaderSize+100)
	binary.BigEndian.PutUint32(oversized, 100)
	if err := conn.WriteMessage(websocket.BinaryMessage, oversized); err != nil {
		t.Fatalf("write oversized: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0}); err != nil {
		t.Fatalf("write short: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Frame(protocol.SearchUsersRequest{Query: "bo"})); err != nil {
		t.Fatalf("write valid: %v", err)
	}

	msg := handler.next(t)
	if req, ok := msg.(protocol.SearchUsersRequest); !ok || req.Query != "bo" {
		t.Fatalf("unexpected message %#v", msg)
	}

	if err := s.Send(protocol.SearchUsersResponse{Success: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", kind)
	}
	payload, err := protocol.ReadFrame(strings.NewReader(string(data)), 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if reply, err := protocol.Decode(payload); err != nil || reply.Type() != protocol.TypeSearchUsersResponse {
		t.Fatalf("unexpected reply %#v (%v)", reply, err)
	}

	conn.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to terminate when the websocket closes")
	}
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	const (
		producers = 8
		perSender = 25
	)
	s, client, _ := startPipeSession(t, nil, newRecordingHandler(), Options{WriteTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	sendErrs := make(chan error, producers*perSender)
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				alert := models.AlertRequest{
					ID:    fmt.Sprintf("alert-%d-%d", g, i),
					Video: models.AlertVideo{Title: strings.Repeat(string(rune('a'+g)), 512+g*97)},
				}
				if err := s.Send(protocol.AlertRequestMessage{Request: alert}); err != nil {
					sendErrs <- err
				}
			}
		}(g)
	}

	seen := make(map[string]bool, producers*perSender)
	for n := 0; n < producers*perSender; n++ {
		payload, err := protocol.ReadFrame(client, 0)
		if err != nil {
			t.Fatalf("read frame %d: %v", n, err)
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			t.Fatalf("frame %d does not decode: %v", n, err)
		}
		alert, ok := msg.(protocol.AlertRequestMessage)
		if !ok {
			t.Fatalf("frame %d: unexpected message %#v", n, msg)
		}
		var g, i int
		if _, err := fmt.Sscanf(alert.Request.ID, "alert-%d-%d", &g, &i); err != nil {
			t.Fatalf("frame %d: unexpected id %q", n, alert.Request.ID)
		}
		if want := strings.Repeat(string(rune('a'+g)), 512+g*97); alert.Request.Video.Title != want {
			t.Fatalf("frame %d: payload of %q was corrupted", n, alert.Request.ID)
		}
		if seen[alert.Request.ID] {
			t.Fatalf("frame %q delivered twice", alert.Request.ID)
		}
		seen[alert.Request.ID] = true
	}

	wg.Wait()
	close(sendErrs)
	for err := range sendErrs {
		t.Fatalf("send: %v", err)
	}
	if len(seen) != producers*perSender {
		t.Fatalf("expected %d distinct frames, got %d", producers*perSender, len(seen))
	}
}
