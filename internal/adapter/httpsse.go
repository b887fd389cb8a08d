package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

// HTTPSSEAdapter drives a remote OpenAI-shaped chat completions gateway,
// accumulating conversation history per session and streaming deltas.
type HTTPSSEAdapter struct {
	client openai.Client
	model  string

	mu       sync.Mutex
	sessions map[string]*sseSession
}

// NewHTTPSSEAdapter builds an adapter against gatewayURL using apiKey
// (may be empty for gateways that don't require one) and the given
// model identifier.
func NewHTTPSSEAdapter(gatewayURL, apiKey, model string) *HTTPSSEAdapter {
	opts := []option.RequestOption{option.WithBaseURL(gatewayURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &HTTPSSEAdapter{
		client:   openai.NewClient(opts...),
		model:    model,
		sessions: make(map[string]*sseSession),
	}
}

// IsAvailable always reports true; the HTTP gateway's reachability is
// only known once a request is attempted.
func (a *HTTPSSEAdapter) IsAvailable() bool { return true }

func (a *HTTPSSEAdapter) CreateSession(sessionID string) (Session, error) {
	sess := &sseSession{adapter: a, sessionID: sessionID}
	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	return sess, nil
}

func (a *HTTPSSEAdapter) DestroySession(sessionID string) error {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if ok {
		sess.Kill()
	}
	return nil
}

// sseSession accumulates conversation history and streams one request
// at a time against the configured gateway.
type sseSession struct {
	adapter   *HTTPSSEAdapter
	sessionID string

	mu        sync.Mutex
	callbacks Callbacks
	history   []openai.ChatCompletionMessageParamUnion
	cancel    context.CancelFunc
}

func (s *sseSession) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *sseSession) Kill() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *sseSession) Send(ctx context.Context, input SendInput) error {
	if isCollectFilesMessage(input.Content) {
		runCollectFiles(ctx, s.callbacks, input)
		return nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.history = append(s.history, openai.UserMessage(input.Content))
	messages := append([]openai.ChatCompletionMessageParamUnion{}, s.history...)
	cb := s.callbacks
	s.mu.Unlock()
	defer cancel()

	stream := s.adapter.client.Chat.Completions.NewStreaming(reqCtx, openai.ChatCompletionNewParams{
		Model:    s.adapter.model,
		Messages: messages,
	})
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if cb.OnChunk != nil {
			cb.OnChunk(ChunkEvent{Kind: protocol.KindText, Delta: delta})
		}
	}

	if err := stream.Err(); err != nil {
		if cb.OnError != nil {
			cb.OnError(ErrorEvent{Message: fmt.Sprintf("gateway stream error: %v", err)})
		}
		return err
	}

	s.mu.Lock()
	s.history = append(s.history, openai.AssistantMessage(full.String()))
	s.mu.Unlock()

	if cb.OnDone != nil {
		cb.OnDone(DoneEvent{Result: full.String()})
	}
	return nil
}
