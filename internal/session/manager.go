// Package session pools adapter sessions by platform session id, wires
// their callbacks exactly once, deduplicates requests with a TTL
// tracker, and enforces idle teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skillshot/bridge-agent/internal/adapter"
	"github.com/skillshot/bridge-agent/internal/guard"
	"github.com/skillshot/bridge-agent/internal/protocol"
	"github.com/skillshot/bridge-agent/internal/queue"
	"github.com/skillshot/bridge-agent/internal/upload"
	"github.com/skillshot/bridge-agent/internal/workspace"
)

const (
	requestTrackerTTL  = 10 * time.Minute
	defaultIdleTTL     = 10 * time.Minute
	minIdleTTL         = time.Minute
	sweepInterval      = 60 * time.Second
	logicalPrefixParts = 3
)

// FrameSender is the subset of the transport the session manager needs:
// pushing a fully-built upstream frame. Kept as an interface so tests
// can supply a fake without standing up a real WebSocket.
type FrameSender interface {
	Send(frame any) error
}

// pooledSession is one adapter session plus the bookkeeping the
// callback closures close over. currentRequestID is read under mu by
// the callbacks at emission time rather than captured per-call, per the
// "wire once" design.
type pooledSession struct {
	sessionID string
	handle    adapter.Session

	mu               sync.Mutex
	currentRequestID string
	currentClientID  string
	uploadURL        string
	uploadToken      string
	lastSeen         time.Time
	workspaceDir     string
	beforeSnapshot   workspace.Snapshot
	textParts        []string
	lease            *queue.Lease
}

// Manager pools SessionHandles by platform session id.
type Manager struct {
	adapter   adapter.Adapter
	workspace *workspace.Manager
	uploader  *upload.Client
	sender    FrameSender
	outGuard  *guard.OutputGuard
	queue     *queue.Manager
	agentID   string

	idleTTL time.Duration
	tracker *RequestTracker

	mu       sync.Mutex
	sessions map[string]*pooledSession

	runCtx    context.Context
	stopSweep chan struct{}
}

// New builds a Manager. idleTTL is clamped to a 1-minute floor. qm may be
// nil, in which case every request is admitted directly with no local
// runtime-queue gating (used by adapters under test and by deployments
// that don't need cross-process admission control). agentID prefixes
// every runtime-queue request key, since queue-state.json is shared by
// every bridge process on the host (spec §3/§4.7) and session/request
// ids are only unique within one agent.
func New(ad adapter.Adapter, ws *workspace.Manager, uploader *upload.Client, sender FrameSender, idleTTL time.Duration, qm *queue.Manager, agentID string) *Manager {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if idleTTL < minIdleTTL {
		idleTTL = minIdleTTL
	}
	return &Manager{
		adapter:   ad,
		workspace: ws,
		uploader:  uploader,
		sender:    sender,
		outGuard:  guard.NewOutputGuard(),
		queue:     qm,
		agentID:   agentID,
		idleTTL:   idleTTL,
		tracker:   newRequestTracker(requestTrackerTTL),
		sessions:  make(map[string]*pooledSession),
	}
}

// Start launches the periodic sweep that prunes expired request-tracker
// entries and idle sessions.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx = ctx
	m.stopSweep = make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// ActiveCount reports the number of pooled sessions, for the
// transport's heartbeat payload.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop tears down every pooled session. Used on supervisor shutdown.
func (m *Manager) Stop() {
	if m.stopSweep != nil {
		close(m.stopSweep)
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.destroySession(id, "supervisor_stop")
	}
}

// ResetAll tears down every pooled session and clears the request
// tracker. Called when the transport reconnects, since in-flight state
// can no longer be trusted across the platform edge.
func (m *Manager) ResetAll() {
	m.Stop()
	m.tracker.Reset()
	if m.runCtx != nil && m.runCtx.Err() == nil {
		m.Start(m.runCtx)
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.tracker.Prune(now)

	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		sess.mu.Lock()
		lastSeen := sess.lastSeen
		sess.mu.Unlock()
		if now.Sub(lastSeen) > m.idleTTL {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.destroySession(id, "idle_timeout")
	}
}

// HandleMessage implements the message() sequence from the
// session/request manager design: dedup, logical-session replacement,
// lazy session creation, local-queue admission, and dispatch to the
// adapter.
func (m *Manager) HandleMessage(ctx context.Context, frame protocol.MessageFrame) {
	m.tracker.Prune(time.Now())

	key := RequestKey{SessionID: frame.SessionID, RequestID: frame.RequestID}
	if m.tracker.Exists(key) {
		slog.Warn("dropping duplicate or already-terminal request", "session_id", frame.SessionID, "request_id", frame.RequestID)
		return
	}
	m.tracker.Insert(key)

	if prefix, ok := logicalPrefix(frame.SessionID); ok {
		m.replaceSameLogicalSession(prefix, frame.SessionID)
	}

	sess, err := m.getOrCreateSession(frame.SessionID)
	if err != nil {
		slog.Error("failed to create adapter session", "session_id", frame.SessionID, "error", err)
		m.tracker.SetStatus(key, StatusError)
		m.sendFrame(protocol.NewErrorFrame(frame.SessionID, frame.RequestID, protocol.ErrAdapterCrash, err.Error()))
		return
	}

	workspaceDir := ""
	var before workspace.Snapshot
	if m.workspace != nil && frame.ClientID != "" {
		dir, err := m.workspace.ClientDir(frame.ClientID)
		if err != nil {
			slog.Warn("failed to prepare client workspace", "client_id", frame.ClientID, "error", err)
		} else {
			workspaceDir = dir
			if snap, err := m.workspace.Snapshot(dir); err == nil {
				before = snap
			}
		}
	}

	sess.mu.Lock()
	sess.currentRequestID = frame.RequestID
	sess.currentClientID = frame.ClientID
	sess.uploadURL = frame.UploadURL
	sess.uploadToken = frame.UploadToken
	sess.workspaceDir = workspaceDir
	sess.beforeSnapshot = before
	sess.textParts = nil
	sess.lastSeen = time.Now()
	sess.mu.Unlock()

	input := adapter.SendInput{
		Content:       guard.NewInputGuard().Wrap(frame.Content, frame.SessionID, frame.ClientID),
		Attachments:   frame.Attachments,
		UploadURL:     frame.UploadURL,
		UploadToken:   frame.UploadToken,
		ClientID:      frame.ClientID,
		WorkspaceRoot: workspaceDir,
	}

	go func() {
		lease, err := m.acquireQueueSlot(ctx, frame.SessionID, frame.RequestID)
		if err != nil {
			slog.Warn("local runtime queue rejected request", "session_id", frame.SessionID, "request_id", frame.RequestID, "error", err)
			m.tracker.SetStatus(key, StatusError)
			m.sendFrame(protocol.NewErrorFrame(frame.SessionID, frame.RequestID, queueErrorCode(err), err.Error()))
			return
		}
		if lease != nil {
			lease.StartHeartbeat(ctx)
		}
		sess.mu.Lock()
		sess.lease = lease
		sess.mu.Unlock()

		if err := sess.handle.Send(ctx, input); err != nil {
			slog.Debug("adapter session send returned error", "session_id", frame.SessionID, "request_id", frame.RequestID, "error", err)
		}
	}()
}

// acquireQueueSlot blocks until the request is admitted to the local
// runtime queue's active set, or returns the queue's tagged error. A nil
// *queue.Manager (no cross-process admission control configured) admits
// immediately.
func (m *Manager) acquireQueueSlot(ctx context.Context, sessionID, requestID string) (*queue.Lease, error) {
	if m.queue == nil {
		return nil, nil
	}
	requestKey := fmt.Sprintf("%s:%s:%s", m.agentID, sessionID, requestID)
	return m.queue.Acquire(ctx, queue.AcquireInput{RequestKey: requestKey})
}

// queueErrorCode maps a queue.QueueError to its wire error code, falling
// back to adapter_crash for anything unexpected.
func queueErrorCode(err error) string {
	var qerr *queue.QueueError
	if errors.As(err, &qerr) {
		return qerr.Tag
	}
	return protocol.ErrAdapterCrash
}

// isCancelled reports whether requestID has already been marked
// cancelled in the tracker. The callbacks consult this before emitting
// any frame, since killing the adapter session mid-stream (HandleCancel)
// races with its in-flight OnChunk/OnDone/OnError delivery — a request
// once cancelled must produce zero further frames.
func (m *Manager) isCancelled(sessionID, requestID string) bool {
	status, ok := m.tracker.StatusOf(RequestKey{SessionID: sessionID, RequestID: requestID})
	return ok && status == StatusCancelled
}

// HandleCancel implements the cancel() sequence: mark cancelled, kill
// and destroy the pool entry, suppress further frames for the request.
func (m *Manager) HandleCancel(frame protocol.CancelFrame) {
	key := RequestKey{SessionID: frame.SessionID, RequestID: frame.RequestID}
	m.tracker.SetStatus(key, StatusCancelled)
	m.destroySession(frame.SessionID, "cancel_signal")
}

func (m *Manager) getOrCreateSession(sessionID string) (*pooledSession, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	handle, err := m.adapter.CreateSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("create adapter session: %w", err)
	}

	sess := &pooledSession{sessionID: sessionID, handle: handle, lastSeen: time.Now()}
	m.wireCallbacks(sess)

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		handle.Kill()
		_ = m.adapter.DestroySession(sessionID)
		return existing, nil
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sess, nil
}

// wireCallbacks sets up the session's callback closures exactly once.
// Each closure reads sess.currentRequestID under lock at emission time
// so repeated requests against the same pooled session reuse the same
// wiring instead of stacking a new handler per send().
func (m *Manager) wireCallbacks(sess *pooledSession) {
	sess.handle.SetCallbacks(adapter.Callbacks{
		OnChunk: func(c adapter.ChunkEvent) {
			sess.mu.Lock()
			sess.lastSeen = time.Now()
			requestID := sess.currentRequestID
			if c.Kind == protocol.KindText {
				sess.textParts = append(sess.textParts, c.Delta)
			}
			sess.mu.Unlock()

			if m.isCancelled(sess.sessionID, requestID) {
				return
			}

			delta := m.outGuard.Redact(c.Delta)
			m.sendFrame(protocol.NewChunkFrame(sess.sessionID, requestID, delta, c.Kind, c.ToolName, c.ToolCallID))
		},
		OnDone: func(d adapter.DoneEvent) {
			sess.mu.Lock()
			sess.lastSeen = time.Now()
			requestID := sess.currentRequestID
			clientID := sess.currentClientID
			workspaceDir := sess.workspaceDir
			before := sess.beforeSnapshot
			uploadURL := sess.uploadURL
			uploadToken := sess.uploadToken
			lease := sess.lease
			sess.lease = nil
			result := strings.Join(sess.textParts, "")
			if result == "" {
				result = d.Result
			}
			sess.mu.Unlock()
			releaseLease(lease)

			if m.isCancelled(sess.sessionID, requestID) {
				return
			}

			m.tracker.SetStatus(RequestKey{SessionID: sess.sessionID, RequestID: requestID}, StatusDone)

			attachments := append([]protocol.Attachment{}, d.Attachments...)
			attachments = append(attachments, m.uploadDiffedFiles(requestID, clientID, workspaceDir, before, uploadURL, uploadToken)...)

			m.sendFrame(protocol.NewDoneFrame(sess.sessionID, requestID, attachments, result))
		},
		OnError: func(e adapter.ErrorEvent) {
			sess.mu.Lock()
			sess.lastSeen = time.Now()
			requestID := sess.currentRequestID
			lease := sess.lease
			sess.lease = nil
			sess.mu.Unlock()
			releaseLease(lease)

			if m.isCancelled(sess.sessionID, requestID) {
				return
			}

			m.tracker.SetStatus(RequestKey{SessionID: sess.sessionID, RequestID: requestID}, StatusError)

			code := e.Code
			if code == "" {
				code = protocol.ErrAdapterCrash
			}
			m.sendFrame(protocol.NewErrorFrame(sess.sessionID, requestID, code, m.outGuard.Redact(e.Message)))
		},
	})
}

// releaseLease is a nil-safe helper since a request admitted without a
// configured queue.Manager never holds a lease.
func releaseLease(lease *queue.Lease) {
	if lease == nil {
		return
	}
	if err := lease.Release(context.Background()); err != nil {
		slog.Debug("failed to release runtime queue lease", "error", err)
	}
}

// uploadDiffedFiles diffs the workspace against its pre-request snapshot
// and uploads every new or modified file, returning the resulting
// attachments. Upload failures are logged and otherwise ignored.
func (m *Manager) uploadDiffedFiles(requestID, clientID, workspaceDir string, before workspace.Snapshot, uploadURL, uploadToken string) []protocol.Attachment {
	if m.workspace == nil || m.uploader == nil || workspaceDir == "" || uploadURL == "" {
		return nil
	}
	changed, err := m.workspace.Diff(workspaceDir, before)
	if err != nil {
		slog.Warn("workspace diff failed", "client_id", clientID, "error", err)
		return nil
	}

	var attachments []protocol.Attachment
	for _, absPath := range changed {
		attachment, ok := m.uploader.Upload(context.Background(), requestID, workspaceDir, absPath, uploadURL, uploadToken)
		if ok {
			attachments = append(attachments, *attachment)
		}
	}
	return attachments
}

func (m *Manager) destroySession(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.handle.Kill()
	if err := m.adapter.DestroySession(sessionID); err != nil {
		slog.Warn("adapter destroy session failed", "session_id", sessionID, "reason", reason, "error", err)
	}

	sess.mu.Lock()
	lease := sess.lease
	sess.lease = nil
	sess.mu.Unlock()
	releaseLease(lease)
}

func (m *Manager) sendFrame(frame any) {
	if err := m.sender.Send(frame); err != nil {
		slog.Debug("failed to send upstream frame", "error", err)
	}
}

// logicalPrefix extracts the first three colon-separated segments of a
// session id shaped like "skillshot:<user>:<agent>:<uuid>".
func logicalPrefix(sessionID string) (string, bool) {
	parts := strings.Split(sessionID, ":")
	if len(parts) < logicalPrefixParts+1 {
		return "", false
	}
	return strings.Join(parts[:logicalPrefixParts], ":"), true
}

func (m *Manager) replaceSameLogicalSession(prefix, currentSessionID string) {
	m.mu.Lock()
	var victim string
	for id := range m.sessions {
		if id == currentSessionID {
			continue
		}
		if p, ok := logicalPrefix(id); ok && p == prefix {
			victim = id
			break
		}
	}
	m.mu.Unlock()

	if victim != "" {
		m.destroySession(victim, "session_replaced")
	}
}
