package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/memalerts/backend/internal/protocol"
	"github.com/memalerts/backend/internal/session"
)

// exhaustedListener fails the first few accepts as if the process had run
// out of file descriptors.
type exhaustedListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *exhaustedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestServeTCPSurvivesDescriptorExhaustion(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &exhaustedListener{Listener: inner, failures: 3}

	handler := session.HandlerFunc(func(_ context.Context, s *session.Session, msg protocol.Message) {
		_ = s.Send(protocol.AuthResponse{Success: false, ErrorCode: string(msg.Type())})
	})
	srv := New(handler, session.NewRegistry(), Options{WriteTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.ServeTCP(ctx, ln) }()

	conn, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := protocol.WriteFrame(conn, protocol.Encode(protocol.GetFriendsRequest{})); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.NewCodec(0).ReadMessage(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if resp, ok := reply.(protocol.AuthResponse); !ok || resp.ErrorCode != string(protocol.TypeGetFriends) {
		t.Fatalf("unexpected reply %#v", reply)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
}

func TestRetryableAccept(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "emfile", err: &net.OpError{Op: "accept", Err: os.NewSyscallError("accept4", syscall.EMFILE)}, want: true},
		{name: "enfile", err: &net.OpError{Op: "accept", Err: os.NewSyscallError("accept4", syscall.ENFILE)}, want: true},
		{name: "aborted", err: syscall.ECONNABORTED, want: true},
		{name: "timeout", err: &net.OpError{Op: "accept", Err: os.ErrDeadlineExceeded}, want: true},
		{name: "closed", err: net.ErrClosed, want: false},
		{name: "other", err: errors.New("listener broken"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableAccept(tt.err); got != tt.want {
				t.Fatalf("expected %v got %v", tt.want, got)
			}
		})
	}
}
