// Package transport maintains the single outbound WebSocket connection
// a bridge process holds open to the platform for one agent id: the
// register handshake, the heartbeat, and reconnect-with-backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

// Event is a transport lifecycle notification.
type Event string

const (
	EventConnected            Event = "connected"
	EventDisconnected         Event = "disconnected"
	EventReconnected          Event = "reconnected"
	EventReplaced             Event = "replaced"
	EventTokenRevoked         Event = "token_revoked"
	EventClosed               Event = "closed"
	EventRegistrationRejected Event = "registration_rejected"
)

const (
	registrationTimeout = 15 * time.Second
	heartbeatInterval   = 20 * time.Second
	pingTimeout         = 5 * time.Second
	minBackoff          = time.Second
	maxBackoff          = 30 * time.Second
)

var errIntentionalClose = errors.New("transport: intentional close")

// errRegistrationRejected marks a registration rejection as terminal: a
// protocol-version mismatch (or any other "status=error" reason) cannot
// be fixed by retrying the same dial with the same register frame, so
// Run stops instead of scheduling a reconnect.
var errRegistrationRejected = errors.New("transport: registration rejected")

// Config describes the identity and capability set a Transport registers
// with, and how it reports the number of sessions currently active for
// the heartbeat payload.
type Config struct {
	URL             string
	AgentID         string
	Token           string
	ProtocolVersion int
	AdapterType     string
	Capabilities    []string
	ActiveSessions  func() int
}

// Handlers routes validated downstream frames and lifecycle events to
// the rest of the bridge. Exactly one subscriber receives each.
type Handlers struct {
	OnMessage   func(protocol.MessageFrame)
	OnCancel    func(protocol.CancelFrame)
	OnLifecycle func(Event)
}

// Transport owns at most one live WebSocket for the configured agent id.
type Transport struct {
	cfg       Config
	handlers  Handlers
	startTime time.Time

	writeMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	everConnected    bool
	closing          bool
	loggedClosedSend bool
}

// New builds a Transport. Call Run to start the connect/reconnect loop.
func New(cfg Config, handlers Handlers) *Transport {
	if cfg.ActiveSessions == nil {
		cfg.ActiveSessions = func() int { return 0 }
	}
	return &Transport{
		cfg:       cfg,
		handlers:  handlers,
		startTime: time.Now(),
	}
}

// Run drives the connect/register/heartbeat/reconnect loop until ctx is
// cancelled or a terminal close code is received. It blocks; callers
// typically run it in its own goroutine.
func (t *Transport) Run(ctx context.Context) {
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		resetBackoff := func() { backoff = minBackoff }
		err := t.connectAndServe(ctx, resetBackoff)

		t.mu.Lock()
		t.connected = false
		closing := t.closing
		t.mu.Unlock()

		if closing || errors.Is(err, errIntentionalClose) {
			t.emitLifecycle(EventClosed)
			return
		}

		if errors.Is(err, errRegistrationRejected) {
			slog.Error("registration rejected, not reconnecting", "error", err)
			t.emitLifecycle(EventRegistrationRejected)
			return
		}

		switch closeCodeFromErr(err) {
		case protocol.CloseCodeReplaced:
			t.emitLifecycle(EventReplaced)
			return
		case protocol.CloseCodeTokenRevoked:
			t.emitLifecycle(EventTokenRevoked)
			return
		}

		if err != nil {
			slog.Warn("transport connection ended", "error", err)
		}
		t.emitLifecycle(EventDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close requests an intentional shutdown: the current connection (if
// any) is closed with a normal close frame and Run returns without
// scheduling a reconnect.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return
	}
	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge shutdown"),
		time.Now().Add(pingTimeout))
	t.writeMu.Unlock()
	conn.Close()
}

// Send writes an upstream frame. A no-op on a closed transport; logs at
// most once per disconnect period so a burst of chunks during an outage
// doesn't flood the log.
func (t *Transport) Send(frame any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	if !connected {
		alreadyLogged := t.loggedClosedSend
		t.loggedClosedSend = true
		t.mu.Unlock()
		if !alreadyLogged {
			slog.Warn("dropping upstream frame: transport not connected")
		}
		return fmt.Errorf("transport not connected")
	}
	t.mu.Unlock()

	return t.writeJSON(conn, frame)
}

func (t *Transport) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) emitLifecycle(evt Event) {
	if t.handlers.OnLifecycle != nil {
		t.handlers.OnLifecycle(evt)
	}
}

// connectAndServe performs one full connect-register-heartbeat cycle.
// It returns when the connection drops, is replaced/revoked, or ctx is
// cancelled.
func (t *Transport) connectAndServe(ctx context.Context, resetBackoff func()) error {
	dialURL, err := buildDialURL(t.cfg.URL, t.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("build dial url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.connected = false
	t.loggedClosedSend = false
	t.mu.Unlock()

	register := protocol.NewRegisterFrame(t.cfg.AgentID, t.cfg.Token, t.cfg.ProtocolVersion, t.cfg.AdapterType, t.cfg.Capabilities)
	if err := t.writeJSON(conn, register); err != nil {
		return fmt.Errorf("send register frame: %w", err)
	}

	registeredCh := make(chan protocol.RegisteredFrame, 1)
	readErrCh := make(chan error, 1)
	go t.readLoop(conn, registeredCh, readErrCh)

	select {
	case reply := <-registeredCh:
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s: %s", errRegistrationRejected, protocol.ErrRegistrationRejected, reply.Reason)
		}
	case err := <-readErrCh:
		return err
	case <-time.After(registrationTimeout):
		return errors.New(protocol.ErrRegistrationTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.connected = true
	wasEverConnected := t.everConnected
	t.everConnected = true
	t.mu.Unlock()

	resetBackoff()
	if wasEverConnected {
		t.emitLifecycle(EventReconnected)
	} else {
		t.emitLifecycle(EventConnected)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge shutdown"),
				time.Now().Add(pingTimeout))
			t.writeMu.Unlock()
			return errIntentionalClose
		case <-ticker.C:
			hb := protocol.NewHeartbeatFrame(t.cfg.ActiveSessions(), time.Since(t.startTime).Milliseconds())
			if err := t.writeJSON(conn, hb); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			t.writeMu.Lock()
			pingErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
			t.writeMu.Unlock()
			if pingErr != nil {
				return fmt.Errorf("send ping: %w", pingErr)
			}
		case err := <-readErrCh:
			return err
		}
	}
}

// readLoop consumes downstream frames until the connection closes. The
// first "registered" frame is delivered once on registeredCh; everything
// after is dispatched to the configured handlers.
func (t *Transport) readLoop(conn *websocket.Conn, registeredCh chan<- protocol.RegisteredFrame, errCh chan<- error) {
	conn.SetPongHandler(func(string) error { return nil })

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		typ, err := protocol.ParseType(data)
		if err != nil {
			slog.Debug("dropping unparseable downstream frame", "error", err)
			continue
		}

		switch typ {
		case protocol.TypeRegistered:
			var f protocol.RegisteredFrame
			if err := json.Unmarshal(data, &f); err != nil {
				slog.Debug("dropping malformed registered frame", "error", err)
				continue
			}
			select {
			case registeredCh <- f:
			default:
			}
		case protocol.TypeMessage:
			var f protocol.MessageFrame
			if err := json.Unmarshal(data, &f); err != nil {
				slog.Debug("dropping malformed message frame", "error", err)
				continue
			}
			if t.handlers.OnMessage != nil {
				t.handlers.OnMessage(f)
			}
		case protocol.TypeCancel:
			var f protocol.CancelFrame
			if err := json.Unmarshal(data, &f); err != nil {
				slog.Debug("dropping malformed cancel frame", "error", err)
				continue
			}
			if t.handlers.OnCancel != nil {
				t.handlers.OnCancel(f)
			}
		default:
			slog.Debug("ignoring unknown downstream frame type", "type", typ)
		}
	}
}

func buildDialURL(base, agentID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func closeCodeFromErr(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return 0
}
