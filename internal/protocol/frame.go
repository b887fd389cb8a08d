// Package protocol defines the JSON wire frames exchanged between the
// bridge and the platform over the WebSocket transport, and the
// discrimination logic used to route them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Upstream frame tags (bridge -> platform).
const (
	TypeRegister  = "register"
	TypeChunk     = "chunk"
	TypeDone      = "done"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
)

// Downstream frame tags (platform -> bridge).
const (
	TypeRegistered = "registered"
	TypeMessage    = "message"
	TypeCancel     = "cancel"
)

// ChunkKind enumerates the shapes a chunk's payload can take.
type ChunkKind string

const (
	KindText       ChunkKind = "text"
	KindToolStart  ChunkKind = "tool_start"
	KindToolInput  ChunkKind = "tool_input"
	KindToolResult ChunkKind = "tool_result"
	KindThinking   ChunkKind = "thinking"
	KindStatus     ChunkKind = "status"
)

// Envelope is the minimal shape needed to discriminate any frame by its
// "type" tag before decoding the rest of the payload.
type Envelope struct {
	Type string `json:"type"`
}

// ParseType extracts the "type" discriminator from a raw frame. Unknown
// or malformed frames return an error that callers should log and ignore
// rather than propagate, per the protocol's unknown-tag tolerance.
func ParseType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("parse frame envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type field")
	}
	return env.Type, nil
}

// RegisterFrame is sent immediately after the WebSocket connects.
type RegisterFrame struct {
	Type            string   `json:"type"`
	AgentID         string   `json:"agent_id"`
	Token           string   `json:"token"`
	ProtocolVersion int      `json:"protocol_version"`
	AdapterType     string   `json:"adapter_type"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// NewRegisterFrame builds a RegisterFrame with the type tag pre-filled.
func NewRegisterFrame(agentID, token string, protocolVersion int, adapterType string, capabilities []string) RegisterFrame {
	return RegisterFrame{
		Type:            TypeRegister,
		AgentID:         agentID,
		Token:           token,
		ProtocolVersion: protocolVersion,
		AdapterType:     adapterType,
		Capabilities:    capabilities,
	}
}

// RegisteredFrame is the platform's reply to RegisterFrame.
type RegisteredFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"` // "ok" or "error"
	Reason string `json:"reason,omitempty"`
}

// HeartbeatFrame is sent on the heartbeat interval after registration.
type HeartbeatFrame struct {
	Type           string `json:"type"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeMs       int64  `json:"uptime_ms"`
}

// NewHeartbeatFrame builds a HeartbeatFrame with the type tag pre-filled.
func NewHeartbeatFrame(activeSessions int, uptimeMs int64) HeartbeatFrame {
	return HeartbeatFrame{
		Type:           TypeHeartbeat,
		ActiveSessions: activeSessions,
		UptimeMs:       uptimeMs,
	}
}

// MessageFrame is a platform-dispatched request for the bridge to run.
type MessageFrame struct {
	Type          string       `json:"type"`
	SessionID     string       `json:"session_id"`
	RequestID     string       `json:"request_id"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	UploadURL     string       `json:"upload_url,omitempty"`
	UploadToken   string       `json:"upload_token,omitempty"`
	ClientID      string       `json:"client_id,omitempty"`
}

// Attachment is a platform-visible file descriptor.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// CancelFrame requests that an in-flight request be aborted.
type CancelFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

// ChunkFrame carries one incremental piece of adapter output.
type ChunkFrame struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id"`
	Delta      string    `json:"delta"`
	Kind       ChunkKind `json:"kind,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// NewChunkFrame builds a ChunkFrame with the type tag pre-filled.
func NewChunkFrame(sessionID, requestID, delta string, kind ChunkKind, toolName, toolCallID string) ChunkFrame {
	return ChunkFrame{
		Type:       TypeChunk,
		SessionID:  sessionID,
		RequestID:  requestID,
		Delta:      delta,
		Kind:       kind,
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

// DoneFrame is the terminal success frame for a request.
type DoneFrame struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id"`
	RequestID   string       `json:"request_id"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Result      string       `json:"result,omitempty"`
}

// NewDoneFrame builds a DoneFrame with the type tag pre-filled.
func NewDoneFrame(sessionID, requestID string, attachments []Attachment, result string) DoneFrame {
	return DoneFrame{
		Type:        TypeDone,
		SessionID:   sessionID,
		RequestID:   requestID,
		Attachments: attachments,
		Result:      result,
	}
}

// ErrorFrame is the terminal failure frame for a request, or a
// connection-level error when SessionID/RequestID are empty.
type ErrorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewErrorFrame builds an ErrorFrame with the type tag pre-filled.
func NewErrorFrame(sessionID, requestID, code, message string) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
}

// Error codes, grouped by origin per the error handling design.
const (
	ErrRegistrationTimeout  = "registration_timeout"
	ErrRegistrationRejected = "registration_rejected"
	ErrProtocolMismatch     = "protocol_mismatch"
	ErrAuthFailed           = "auth_failed"
	ErrConnectionLost       = "connection_lost"
	ErrReplaced             = "replaced"
	ErrTokenRevoked         = "token_revoked"

	ErrSpawnFailed  = "spawn_failed"
	ErrAdapterCrash = "adapter_crash"
	ErrIdleTimeout  = "idle_timeout"

	ErrDuplicateRequest = "duplicate_request"
	ErrSessionNotFound  = "session_not_found"

	ErrQueueFull      = "queue_full"
	ErrQueueTimeout   = "queue_timeout"
	ErrQueueAborted   = "queue_aborted"
	ErrQueueCancelled = "queue_cancelled"
	ErrLockTimeout    = "lock_timeout"
)

// Terminal WebSocket close codes that must not trigger a reconnect.
const (
	CloseCodeReplaced     = 4001
	CloseCodeTokenRevoked = 4002
)
