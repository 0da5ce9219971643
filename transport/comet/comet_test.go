package comet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
)

// cometServer is a minimal in-process comet endpoint: one session, a queue
// of messages to deliver on recv, and a record of everything sent.
type cometServer struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	pending chan []*protocol.Message
	closed  bool
}

func newCometServer() *cometServer {
	return &cometServer{pending: make(chan []*protocol.Message, 16)}
}

func (s *cometServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/comet/connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(tokenHeader, "session-1")
		data, _ := protocol.Encode(&protocol.Message{
			Action:       protocol.ActionConnected,
			ConnectionID: "c-1",
			ConnectionDetails: &protocol.ConnectionDetails{
				ConnectionKey:     "k-1",
				MaxIdleIntervalMS: 15000,
			},
		})
		w.Write(data)
	})

	mux.HandleFunc("/comet/send", func(w http.ResponseWriter, r *http.Request) {
		var m protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.sent = append(s.sent, &m)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/comet/recv", func(w http.ResponseWriter, r *http.Request) {
		select {
		case msgs := <-s.pending:
			json.NewEncoder(w).Encode(msgs)
		case <-time.After(100 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent) // empty poll window
		case <-r.Context().Done():
		}
	})

	mux.HandleFunc("/comet/close", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func dialTestServer(t *testing.T) (transport.Conn, *cometServer) {
	t.Helper()

	cs := newCometServer()
	srv := httptest.NewServer(cs.handler(t))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	d := &Dialer{}
	conn, err := d.Dial(context.Background(), host, transport.Params{ClientID: "test"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, cs
}

func TestDialDeliversHandshakeThroughReceive(t *testing.T) {
	conn, _ := dialTestServer(t)

	select {
	case m := <-conn.Receive():
		if m.Action != protocol.ActionConnected {
			t.Errorf("expected CONNECTED first, got %v", m.Action)
		}
		if m.ConnectionDetails == nil || m.ConnectionDetails.ConnectionKey != "k-1" {
			t.Error("expected connection details with key k-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake message")
	}
}

func TestSendPostsMessage(t *testing.T) {
	conn, cs := dialTestServer(t)

	err := conn.Send(&protocol.Message{Action: protocol.ActionAttach, Channel: "orders"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(cs.sent))
	}
	if cs.sent[0].Channel != "orders" {
		t.Errorf("expected channel 'orders', got %q", cs.sent[0].Channel)
	}
}

func TestRecvLoopDeliversPolledBatch(t *testing.T) {
	conn, cs := dialTestServer(t)

	<-conn.Receive() // drain handshake

	cs.pending <- []*protocol.Message{
		{Action: protocol.ActionAttached, Channel: "orders"},
		{Action: protocol.ActionHeartbeat},
	}

	for _, want := range []protocol.Action{protocol.ActionAttached, protocol.ActionHeartbeat} {
		select {
		case m := <-conn.Receive():
			if m.Action != want {
				t.Errorf("expected %v, got %v", want, m.Action)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func TestCloseNotifiesServerAndIsIdempotent(t *testing.T) {
	conn, cs := dialTestServer(t)

	conn.Close()
	conn.Close()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.closed {
		t.Error("expected server to be told about the close")
	}
}

func TestConnectRejectionKeepsStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		data, _ := protocol.Encode(&protocol.Message{
			Action: protocol.ActionError,
			Error:  protocol.NewError(protocol.CodeAuthFailed, 401, "bad token"),
		})
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	d := &Dialer{}
	host := strings.TrimPrefix(srv.URL, "http://")
	_, err := d.Dial(context.Background(), host, transport.Params{})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	ei := protocol.ErrorFrom(err)
	if ei.Code != protocol.CodeAuthFailed {
		t.Errorf("expected code %d, got %d", protocol.CodeAuthFailed, ei.Code)
	}
	if ei.StatusCode != 401 {
		t.Errorf("expected status 401, got %d", ei.StatusCode)
	}
}
