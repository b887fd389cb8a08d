// Package upload implements the synchronous upload path for newly
// created or modified workspace files, plus a durable SQLite-backed
// retry outbox for attempts that fail on the first try.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

// MaxFileSize caps any single file the upload client will read and POST.
const MaxFileSize = 10 * 1024 * 1024

var mimeByExtension = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".json": "application/json",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".csv":  "text/csv",
}

func mimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := mimeByExtension[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Client performs synchronous uploads of diffed files to a
// platform-supplied one-shot upload URL, with an optional durable
// outbox for failed attempts.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	outbox  *Outbox
}

// NewClient builds an upload Client. outbox may be nil, in which case
// failed uploads are logged and dropped rather than retried.
func NewClient(timeout time.Duration, outbox *Outbox) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		outbox:  outbox,
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload reads absPath relative to workspaceRoot, POSTs it to uploadURL,
// and returns an Attachment on success. Failures are logged and recorded
// into the outbox (if configured); they never return an error the caller
// needs to surface, per the upload component's "never fail done" rule.
func (c *Client) Upload(ctx context.Context, requestKey, workspaceRoot, absPath, uploadURL, uploadToken string) (*protocol.Attachment, bool) {
	info, err := os.Stat(absPath)
	if err != nil {
		slog.Warn("upload: stat failed", "path", absPath, "error", err)
		return nil, false
	}
	if info.Size() > MaxFileSize {
		slog.Warn("upload: file exceeds size cap, skipping", "path", absPath, "size", info.Size())
		return nil, false
	}

	relPath, err := filepath.Rel(workspaceRoot, absPath)
	if err != nil {
		relPath = filepath.Base(absPath)
	}
	relPath = filepath.ToSlash(relPath)

	attachment, err := c.attempt(ctx, relPath, absPath, uploadURL, uploadToken)
	if err == nil {
		return attachment, true
	}

	slog.Warn("upload: attempt failed, recording to outbox", "path", relPath, "error", err)
	if c.outbox != nil {
		if err := c.outbox.Record(requestKey, absPath, relPath, uploadURL, uploadToken, err.Error()); err != nil {
			slog.Error("upload: failed to record outbox entry", "path", relPath, "error", err)
		}
	}
	return nil, false
}

func (c *Client) attempt(ctx context.Context, relPath, absPath, uploadURL, uploadToken string) (*protocol.Attachment, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"filename":       relPath,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Token", uploadToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload returned status %d", resp.StatusCode)
	}

	var decoded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.URL == "" {
		return nil, fmt.Errorf("response missing url field")
	}

	return &protocol.Attachment{
		Name:        filepath.Base(relPath),
		URL:         decoded.URL,
		ContentType: mimeType(relPath),
	}, nil
}
