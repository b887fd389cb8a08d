package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

const (
	minIdleTimeout     = time.Minute
	defaultIdleTimeout = 30 * time.Minute
	crashGraceDelay    = 50 * time.Millisecond
	textSplitTarget    = 60
	maxLineBufferBytes = 10 << 20
)

// ChildProcessAdapter spawns the configured assistant binary once per
// send() and parses its line-delimited JSON stdout.
type ChildProcessAdapter struct {
	command     string
	args        []string
	sandboxCmd  []string
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*childSession
}

// NewChildProcessAdapter builds an adapter for the given binary. If
// idleTimeout is below minIdleTimeout (or zero) it is clamped/defaulted.
func NewChildProcessAdapter(command string, args, sandboxCmd []string, idleTimeout time.Duration) *ChildProcessAdapter {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if idleTimeout < minIdleTimeout {
		idleTimeout = minIdleTimeout
	}
	return &ChildProcessAdapter{
		command:     command,
		args:        args,
		sandboxCmd:  sandboxCmd,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*childSession),
	}
}

// IsAvailable reports whether the configured binary resolves on PATH.
func (a *ChildProcessAdapter) IsAvailable() bool {
	_, err := exec.LookPath(a.command)
	return err == nil
}

// CreateSession registers bookkeeping for sessionID. No process is
// spawned until the first Send call.
func (a *ChildProcessAdapter) CreateSession(sessionID string) (Session, error) {
	sess := &childSession{
		adapter:   a,
		sessionID: sessionID,
	}
	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	return sess, nil
}

// DestroySession kills any in-flight process for sessionID and drops it
// from the adapter's bookkeeping.
func (a *ChildProcessAdapter) DestroySession(sessionID string) error {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if ok {
		sess.Kill()
	}
	return nil
}

// childSession is one {spawn, parse, idle-watch, crash-detect} cycle per
// Send call.
type childSession struct {
	adapter   *ChildProcessAdapter
	sessionID string

	mu        sync.Mutex
	callbacks Callbacks
	proc      *childProcess
	killed    bool
}

func (s *childSession) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *childSession) Kill() {
	s.mu.Lock()
	s.killed = true
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}

// Send spawns the assistant binary, streams its stdout through the
// event parser, and reports chunk/done/error through the session's
// callbacks. It blocks until the invocation finishes.
func (s *childSession) Send(ctx context.Context, input SendInput) error {
	if isCollectFilesMessage(input.Content) {
		runCollectFiles(ctx, s.callbacks, input)
		return nil
	}

	proc, err := startChildProcess(processConfig{
		Command:    s.adapter.command,
		Args:       s.adapter.args,
		SandboxCmd: s.adapter.sandboxCmd,
		Dir:        input.WorkspaceRoot,
	})
	if err != nil {
		s.emitError(protocol.ErrSpawnFailed, fmt.Sprintf("spawn assistant process: %v", err))
		return err
	}

	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		proc.Stop()
		return fmt.Errorf("session killed before spawn completed")
	}
	s.proc = proc
	s.mu.Unlock()

	if _, err := proc.stdin.Write([]byte(input.Content)); err != nil {
		slog.Warn("failed writing prompt to adapter stdin", "session_id", s.sessionID, "error", err)
	}
	proc.stdin.Close()

	tail := newStderrTail(0)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := proc.stderr.Read(buf)
			if n > 0 {
				tail.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	p := newEventParser(s.callbacks)

	idleTimer := time.NewTimer(s.adapter.idleTimeout)
	defer idleTimer.Stop()
	idleFired := make(chan struct{})
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-idleTimer.C:
			close(idleFired)
			proc.Stop()
		case <-ctx.Done():
		case <-stopWatch:
		}
	}()

	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBufferBytes)
	for scanner.Scan() {
		idleTimer.Reset(s.adapter.idleTimeout)
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := p.handleLine(line); err != nil {
			slog.Debug("skipping unparseable adapter line", "session_id", s.sessionID, "error", err)
		}
	}

	time.Sleep(crashGraceDelay)

	waitErr := proc.Wait()

	select {
	case <-idleFired:
		s.emitError(protocol.ErrIdleTimeout, "adapter idle timeout exceeded")
		return nil
	default:
	}

	if p.terminalSeen {
		return nil
	}

	if waitErr != nil {
		msg := tailMessage(tail.ReadAll())
		if msg == "" {
			msg = waitErr.Error()
		}
		s.emitError(protocol.ErrAdapterCrash, msg)
		return waitErr
	}

	// Process exited cleanly but never produced a terminal result event;
	// treat whatever partial text was collected as the final answer.
	p.flushDone()
	return nil
}

func (s *childSession) emitError(code, message string) {
	s.mu.Lock()
	cb := s.callbacks
	s.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(ErrorEvent{Code: code, Message: message})
	}
}

func tailMessage(tail []byte) string {
	trimmed := strings.TrimSpace(string(tail))
	return trimmed
}

// --- NDJSON event parser -----------------------------------------------

type blockState struct {
	kind       protocol.ChunkKind
	toolName   string
	toolCallID string
}

type eventParser struct {
	callbacks    Callbacks
	blocks       map[int]blockState
	emittedText  bool
	terminalSeen bool
	finalResult  string
}

func newEventParser(cb Callbacks) *eventParser {
	return &eventParser{callbacks: cb, blocks: make(map[int]blockState)}
}

type rawEvent struct {
	Type         string          `json:"type"`
	Index        *int            `json:"index"`
	ContentBlock *contentBlock   `json:"content_block"`
	Delta        *eventDelta     `json:"delta"`
	Message      *roleMessage    `json:"message"`
	Subtype      string          `json:"subtype"`
	Result       string          `json:"result"`
	IsError      bool            `json:"is_error"`
	Error        json.RawMessage `json:"error"`
}

type contentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type eventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

type roleMessage struct {
	Role    string               `json:"role"`
	Content []messageContentItem `json:"content"`
}

type messageContentItem struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

func (p *eventParser) handleLine(line string) error {
	var evt rawEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return fmt.Errorf("parse event json: %w", err)
	}

	switch evt.Type {
	case "content_block_start":
		p.handleBlockStart(evt)
	case "content_block_delta":
		p.handleBlockDelta(evt)
	case "content_block_stop":
		if evt.Index != nil {
			delete(p.blocks, *evt.Index)
		}
	case "user":
		p.handleToolResults(evt)
	case "result":
		p.handleResult(evt)
	default:
		// Unrecognized event shapes are tolerated; the parser only acts
		// on the tags it knows.
	}
	return nil
}

func (p *eventParser) handleBlockStart(evt rawEvent) {
	if evt.Index == nil || evt.ContentBlock == nil {
		return
	}
	switch evt.ContentBlock.Type {
	case "text":
		p.blocks[*evt.Index] = blockState{kind: protocol.KindText}
	case "thinking":
		p.blocks[*evt.Index] = blockState{kind: protocol.KindThinking}
	case "tool_use":
		state := blockState{
			kind:       protocol.KindToolStart,
			toolName:   evt.ContentBlock.Name,
			toolCallID: evt.ContentBlock.ID,
		}
		p.blocks[*evt.Index] = state
		p.emit(ChunkEvent{Kind: protocol.KindToolStart, ToolName: state.toolName, ToolCallID: state.toolCallID})
	}
}

func (p *eventParser) handleBlockDelta(evt rawEvent) {
	if evt.Index == nil || evt.Delta == nil {
		return
	}
	state := p.blocks[*evt.Index]

	switch evt.Delta.Type {
	case "text_delta":
		kind := protocol.KindText
		if state.kind == protocol.KindThinking {
			kind = protocol.KindThinking
		}
		if kind == protocol.KindText {
			p.emittedText = true
		}
		p.emit(ChunkEvent{Kind: kind, Delta: evt.Delta.Text})
	case "input_json_delta":
		if state.kind == protocol.KindToolStart {
			p.emit(ChunkEvent{
				Kind:       protocol.KindToolInput,
				Delta:      evt.Delta.PartialJSON,
				ToolName:   state.toolName,
				ToolCallID: state.toolCallID,
			})
		}
	}
}

func (p *eventParser) handleToolResults(evt rawEvent) {
	if evt.Message == nil {
		return
	}
	for _, item := range evt.Message.Content {
		if item.Type != "tool_result" {
			continue
		}
		delta := rawMessageToString(item.Content)
		if item.IsError {
			delta = "[error] " + delta
		}
		p.emit(ChunkEvent{Kind: protocol.KindToolResult, Delta: delta, ToolCallID: item.ToolUseID})
	}
}

func rawMessageToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, part := range parts {
			sb.WriteString(part.Text)
		}
		return sb.String()
	}
	return string(raw)
}

func (p *eventParser) handleResult(evt rawEvent) {
	p.terminalSeen = true
	p.finalResult = evt.Result

	if evt.IsError || len(evt.Error) > 0 {
		msg := evt.Result
		if msg == "" {
			msg = rawMessageToString(evt.Error)
		}
		if p.callbacks.OnError != nil {
			p.callbacks.OnError(ErrorEvent{Message: msg})
		}
		return
	}

	p.flushDone()
}

// flushDone emits the trailing text split (when no text chunks were
// streamed) and the terminal done event. Safe to call once.
func (p *eventParser) flushDone() {
	if !p.emittedText && p.finalResult != "" {
		for _, part := range splitTextChunks(p.finalResult, textSplitTarget) {
			p.emit(ChunkEvent{Kind: protocol.KindText, Delta: part})
		}
	}
	if p.callbacks.OnDone != nil {
		p.callbacks.OnDone(DoneEvent{Result: p.finalResult})
	}
}

func (p *eventParser) emit(evt ChunkEvent) {
	if p.callbacks.OnChunk != nil {
		p.callbacks.OnChunk(evt)
	}
}

// splitTextChunks breaks s into pieces of roughly target runes each,
// preferring to break at a newline, sentence punctuation, comma, or
// space nearest the target length rather than cutting mid-word.
func splitTextChunks(s string, target int) []string {
	var chunks []string
	for len(s) > 0 {
		if len(s) <= target {
			chunks = append(chunks, s)
			break
		}
		window := s[:target]
		breakAt := lastPreferredBreak(window)
		if breakAt <= 0 {
			breakAt = target
		}
		chunks = append(chunks, s[:breakAt])
		s = s[breakAt:]
	}
	return chunks
}

func lastPreferredBreak(window string) int {
	preferred := []string{"\n", ". ", "! ", "? ", ", ", " "}
	for _, sep := range preferred {
		if idx := strings.LastIndex(window, sep); idx >= 0 {
			return idx + len(sep)
		}
	}
	return 0
}
