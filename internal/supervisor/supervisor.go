// Package supervisor wires the bridge's components together: config,
// token preflight, adapter selection, the workspace manager, the upload
// client and its outbox, the local runtime queue, the session manager,
// and the transport. It owns the process's startup and shutdown
// sequence.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/skillshot/bridge-agent/internal/adapter"
	"github.com/skillshot/bridge-agent/internal/config"
	"github.com/skillshot/bridge-agent/internal/protocol"
	"github.com/skillshot/bridge-agent/internal/queue"
	"github.com/skillshot/bridge-agent/internal/session"
	"github.com/skillshot/bridge-agent/internal/tokenauth"
	"github.com/skillshot/bridge-agent/internal/transport"
	"github.com/skillshot/bridge-agent/internal/upload"
	"github.com/skillshot/bridge-agent/internal/workspace"
)

const (
	outboxFlushInterval = 2 * time.Minute
	shutdownGrace       = 10 * time.Second
)

// Supervisor owns the lifetime of one bridge process: one agent id, one
// transport connection, one adapter, one session manager.
type Supervisor struct {
	cfg *config.Config

	adapter    adapter.Adapter
	workspace  *workspace.Manager
	outbox     *upload.Outbox
	uploader   *upload.Client
	queueMgr   *queue.Manager
	sessionMgr *session.Manager
	transport  *transport.Transport

	stopFlush chan struct{}
}

// New builds every component from cfg but starts nothing. Call Run to
// start the bridge and block until ctx is cancelled.
func New(cfg *config.Config) (*Supervisor, error) {
	ad, err := buildAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}
	if !ad.IsAvailable() {
		return nil, fmt.Errorf("adapter %q is not available on this host", cfg.AdapterType)
	}

	qm, err := queue.NewManager(cfg.RuntimeRoot, cfg.Queue.MaxActiveRequests, cfg.Queue.QueueMaxLength, cfg.Queue.QueueWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("build runtime queue: %w", err)
	}

	outbox, err := upload.OpenOutbox(filepath.Join(cfg.RuntimeRoot, "upload-outbox.db"))
	if err != nil {
		return nil, fmt.Errorf("open upload outbox: %w", err)
	}

	uploader := upload.NewClient(cfg.UploadHTTPTimeout, outbox)
	ws := workspace.New(cfg.ProjectRoot)

	s := &Supervisor{
		cfg:       cfg,
		adapter:   ad,
		workspace: ws,
		outbox:    outbox,
		uploader:  uploader,
		queueMgr:  qm,
		stopFlush: make(chan struct{}),
	}

	// transport is built first; its handler closures read s.sessionMgr
	// and s.transport lazily at invocation time, which is always after
	// both fields are set below.
	s.transport = transport.New(transport.Config{
		URL:             cfg.TransportURL,
		AgentID:         cfg.AgentID,
		Token:           cfg.PlatformToken,
		ProtocolVersion: cfg.ProtocolVersion,
		AdapterType:     cfg.AdapterType,
		Capabilities:    []string{"collect_files", "workspace_upload"},
		ActiveSessions:  func() int { return s.sessionMgr.ActiveCount() },
	}, transport.Handlers{
		OnMessage: func(f protocol.MessageFrame) { s.sessionMgr.HandleMessage(context.Background(), f) },
		OnCancel:  func(f protocol.CancelFrame) { s.sessionMgr.HandleCancel(f) },
		OnLifecycle: func(e transport.Event) {
			if e == transport.EventReconnected {
				s.sessionMgr.ResetAll()
			}
		},
	})

	s.sessionMgr = session.New(ad, ws, uploader, s.transport, cfg.SessionIdleTTL, qm, cfg.AgentID)

	return s, nil
}

func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	switch cfg.AdapterType {
	case "", "childprocess":
		return adapter.NewChildProcessAdapter(cfg.AdapterCommand, cfg.AdapterArgs, cfg.SandboxCmd, cfg.AdapterIdleTimeout), nil
	case "http_sse":
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("ADAPTER_GATEWAY_URL is required for the http_sse adapter")
		}
		return adapter.NewHTTPSSEAdapter(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayModel), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.AdapterType)
	}
}

// Run validates the platform token, wires the transport to the session
// manager, starts both, and blocks until ctx is cancelled. On return it
// has stopped the session manager (destroying all sessions), closed the
// transport, and released any runtime-queue lease the process held.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.JWKSEndpoint != "" {
		if err := s.preflightToken(ctx); err != nil {
			return fmt.Errorf("token preflight: %w", err)
		}
	}

	go s.flushOutboxLoop(ctx)

	s.sessionMgr.Start(ctx)
	go s.transport.Run(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.sessionMgr.Stop()
	s.transport.Close()
	close(s.stopFlush)
	s.outbox.Flush(shutdownCtx, s.uploader)
	if err := s.outbox.Close(); err != nil {
		slog.Warn("failed to close upload outbox", "error", err)
	}

	return nil
}

func (s *Supervisor) preflightToken(ctx context.Context) error {
	validator, err := tokenauth.NewValidator(ctx, s.cfg.JWKSEndpoint)
	if err != nil {
		return err
	}
	defer validator.Close()

	if _, err := validator.Validate(s.cfg.PlatformToken); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) flushOutboxLoop(ctx context.Context) {
	ticker := time.NewTicker(outboxFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopFlush:
			return
		case <-ticker.C:
			s.outbox.Flush(ctx, s.uploader)
		}
	}
}
