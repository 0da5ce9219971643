package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
	"nhooyr.io/websocket"
)

// dialPair spins up an in-process WebSocket server and dials it through our
// Dialer. Returns the client-side Conn and the raw server-side connection
// so tests can script the server half.
func dialPair(t *testing.T) (transport.Conn, *websocket.Conn) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	d := &Dialer{Path: "/"}
	client, err := d.Dial(context.Background(), host, transport.Params{ClientID: "test"})
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}

	return client, <-serverConnCh
}

func TestSendEncodesProtocolMessage(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	err := client.Send(&protocol.Message{
		Action:  protocol.ActionAttach,
		Channel: "orders",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := server.Read(ctx)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	m, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("server decode failed: %v", err)
	}
	if m.Action != protocol.ActionAttach {
		t.Errorf("expected ATTACH, got %v", m.Action)
	}
	if m.Channel != "orders" {
		t.Errorf("expected channel 'orders', got %q", m.Channel)
	}
}

func TestReceiveDecodesProtocolMessage(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	data, err := protocol.Encode(&protocol.Message{
		Action:  protocol.ActionAttached,
		Channel: "orders",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := server.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case m := <-client.Receive():
		if m.Action != protocol.ActionAttached {
			t.Errorf("expected ATTACHED, got %v", m.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestDisconnectSignalOnServerClose(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	server.Close(websocket.StatusNormalClosure, "bye")

	select {
	case event := <-client.Disconnected():
		if event.Reason != transport.ReasonClosedClean {
			t.Errorf("expected ReasonClosedClean, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _ := dialPair(t)

	client.Close()
	client.Close()
	client.Close()
}

func TestSendOnClosedReturnsError(t *testing.T) {
	client, _ := dialPair(t)

	client.Close()
	time.Sleep(50 * time.Millisecond)

	err := client.Send(&protocol.Message{Action: protocol.ActionHeartbeat})
	if err == nil {
		t.Error("expected error sending on closed connection, got nil")
	}
}

func TestDialUnreachableHostFails(t *testing.T) {
	d := &Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx, "127.0.0.1:1", transport.Params{})
	if err == nil {
		t.Error("expected dial to an unreachable host to fail")
	}
}
