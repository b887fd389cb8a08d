// Package adapter drives a local AI coding assistant and converts its
// native streaming output into the bridge's canonical chunk/done/error
// events. Two variants are implemented: a child-process adapter that
// spawns a local binary per request, and an HTTP/SSE adapter for
// OpenAI-shaped remote gateways.
package adapter

import (
	"context"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

// ChunkEvent is one incremental piece of adapter output.
type ChunkEvent struct {
	Delta      string
	Kind       protocol.ChunkKind
	ToolName   string
	ToolCallID string
}

// DoneEvent is the terminal success event for a request.
type DoneEvent struct {
	Attachments []protocol.Attachment
	Result      string
}

// ErrorEvent is the terminal failure event for a request.
type ErrorEvent struct {
	Code    string
	Message string
}

// Callbacks is the sink set a Session reports its events through. A
// Session holds exactly one Callbacks value at a time; SetCallbacks
// replaces it rather than appending, so repeated calls never stack
// handlers.
type Callbacks struct {
	OnChunk func(ChunkEvent)
	OnDone  func(DoneEvent)
	OnError func(ErrorEvent)
}

// SendInput carries everything a Session needs to run one request.
type SendInput struct {
	Content       string
	Attachments   []protocol.Attachment
	UploadURL     string
	UploadToken   string
	ClientID      string
	WorkspaceRoot string
}

// Session is one adapter-owned conversational slot: a running or idle
// child process (or remote connection) plus its event wiring.
type Session interface {
	SetCallbacks(Callbacks)
	Send(ctx context.Context, input SendInput) error
	// Kill terminates any in-flight work and releases the session's
	// resources. It is safe to call multiple times.
	Kill()
}

// Adapter is the polymorphic capability over the configured assistant.
type Adapter interface {
	IsAvailable() bool
	CreateSession(sessionID string) (Session, error)
	DestroySession(sessionID string) error
}
