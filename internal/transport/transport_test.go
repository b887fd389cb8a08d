package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

var upgrader = websocket.Upgrader{}

func startFakeServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func readRegister(conn *websocket.Conn) (protocol.RegisterFrame, error) {
	var f protocol.RegisterFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(data, &f)
	return f, err
}

func TestTransportConnectsAndRegisters(t *testing.T) {
	registeredCh := make(chan protocol.RegisterFrame, 1)
	srv := startFakeServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		f, err := readRegister(conn)
		if err != nil {
			return
		}
		registeredCh <- f
		conn.WriteJSON(protocol.RegisteredFrame{Type: protocol.TypeRegistered, Status: "ok"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var events []Event
	tr := New(Config{
		URL:             wsURL(srv.URL),
		AgentID:         "agent-1",
		Token:           "tok",
		ProtocolVersion: 1,
		AdapterType:     "childprocess",
	}, Handlers{
		OnLifecycle: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go tr.Run(ctx)

	select {
	case f := <-registeredCh:
		if f.AgentID != "agent-1" || f.Type != protocol.TypeRegister {
			t.Fatalf("register frame = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received register frame")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0] != EventConnected {
		t.Fatalf("events = %v, want first event connected", events)
	}
}

func TestTransportTerminalCloseCodeReplaced(t *testing.T) {
	srv := startFakeServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, err := readRegister(conn); err != nil {
			return
		}
		conn.WriteJSON(protocol.RegisteredFrame{Type: protocol.TypeRegistered, Status: "ok"})
		time.Sleep(50 * time.Millisecond)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseCodeReplaced, "replaced"),
			time.Now().Add(time.Second))
	})

	eventCh := make(chan Event, 8)
	tr := New(Config{
		URL:             wsURL(srv.URL),
		AgentID:         "agent-1",
		Token:           "tok",
		ProtocolVersion: 1,
		AdapterType:     "childprocess",
	}, Handlers{
		OnLifecycle: func(e Event) { eventCh <- e },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	var saw Event
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case e := <-eventCh:
			if e == EventReplaced {
				saw = e
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if saw != EventReplaced {
		t.Fatalf("expected EventReplaced, got %v", saw)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after terminal close code")
	}
}

func TestTransportRegistrationRejectedIsTerminal(t *testing.T) {
	var dials int32
	srv := startFakeServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		atomic.AddInt32(&dials, 1)
		if _, err := readRegister(conn); err != nil {
			return
		}
		conn.WriteJSON(protocol.RegisteredFrame{Type: protocol.TypeRegistered, Status: "error", Reason: "protocol_version_mismatch"})
	})

	eventCh := make(chan Event, 8)
	tr := New(Config{
		URL:             wsURL(srv.URL),
		AgentID:         "agent-1",
		Token:           "tok",
		ProtocolVersion: 99,
		AdapterType:     "childprocess",
	}, Handlers{
		OnLifecycle: func(e Event) { eventCh <- e },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a rejected registration")
	}

	var saw Event
	select {
	case saw = <-eventCh:
	default:
	}
	if saw != EventRegistrationRejected {
		t.Fatalf("expected EventRegistrationRejected, got %v", saw)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("dial count = %d, want 1 (no reconnect after a rejected registration)", n)
	}
}

func TestTransportSendNoopWhenDisconnected(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:0", AgentID: "a"}, Handlers{})
	if err := tr.Send(protocol.NewChunkFrame("s", "r", "hi", protocol.KindText, "", "")); err == nil {
		t.Fatal("expected error sending on disconnected transport")
	}
}

func TestBuildDialURLSetsAgentIDParam(t *testing.T) {
	u, err := buildDialURL("wss://platform.example.com/agents", "agent-42")
	if err != nil {
		t.Fatalf("buildDialURL: %v", err)
	}
	if !strings.Contains(u, "agent_id=agent-42") {
		t.Fatalf("url = %q, want agent_id param", u)
	}
}
