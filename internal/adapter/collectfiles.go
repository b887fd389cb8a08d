package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skillshot/bridge-agent/internal/protocol"
)

const (
	collectFilesMarker = "Collect files task (platform-issued):"
	collectFilesMaxN   = 1500
	collectFilesMaxSz  = 20 * 1024 * 1024
)

// isCollectFilesMessage reports whether content is the platform-issued
// collect-files control message.
func isCollectFilesMessage(content string) bool {
	return strings.Contains(content, collectFilesMarker) &&
		strings.Contains(content, "UPLOAD_URL=") &&
		strings.Contains(content, "UPLOAD_TOKEN=")
}

// runCollectFiles bypasses the child process entirely: it enumerates
// real files under the workspace, uploads each, and reports a single
// synthetic text chunk followed by done.
func runCollectFiles(ctx context.Context, cb Callbacks, input SendInput) {
	uploadURL := extractToken(input.Content, "UPLOAD_URL=")
	uploadToken := extractToken(input.Content, "UPLOAD_TOKEN=")

	files, err := enumerateRealFiles(input.WorkspaceRoot, collectFilesMaxN, collectFilesMaxSz)
	if err != nil {
		emitCollectResult(cb, "COLLECT_FILES_FAILED")
		return
	}
	if len(files) == 0 {
		emitCollectResult(cb, "NO_FILES_FOUND")
		return
	}

	var urls []string
	for _, absPath := range files {
		url, err := postCollectedFile(ctx, input.WorkspaceRoot, absPath, uploadURL, uploadToken)
		if err != nil {
			slog.Warn("collect-files: upload failed", "path", absPath, "error", err)
			continue
		}
		urls = append(urls, url)
	}

	if len(urls) == 0 {
		emitCollectResult(cb, "COLLECT_FILES_FAILED")
		return
	}
	emitCollectResult(cb, strings.Join(urls, "\n"))
}

func emitCollectResult(cb Callbacks, text string) {
	if cb.OnChunk != nil {
		cb.OnChunk(ChunkEvent{Kind: protocol.KindText, Delta: text})
	}
	if cb.OnDone != nil {
		cb.OnDone(DoneEvent{Result: text})
	}
}

// extractToken pulls the value following prefix up to the next
// whitespace character, as embedded in the control message body.
func extractToken(content, prefix string) string {
	idx := strings.Index(content, prefix)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(prefix):]
	end := strings.IndexAny(rest, " \n\t")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// enumerateRealFiles walks root and returns absolute paths of
// non-symlink regular files up to maxFiles, skipping any file over
// maxSize.
func enumerateRealFiles(root string, maxFiles int, maxSize int64) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(files) >= maxFiles {
			return fs.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if info.Size() > maxSize {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

type collectUploadResponse struct {
	URL string `json:"url"`
}

func postCollectedFile(ctx context.Context, workspaceRoot, absPath, uploadURL, uploadToken string) (string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	relPath, err := filepath.Rel(workspaceRoot, absPath)
	if err != nil {
		relPath = filepath.Base(absPath)
	}
	relPath = filepath.ToSlash(relPath)

	payload, err := json.Marshal(map[string]string{
		"filename":       relPath,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Token", uploadToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload returned status %d", resp.StatusCode)
	}

	var decoded collectUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.URL == "" {
		return "", fmt.Errorf("response missing url field")
	}
	return decoded.URL, nil
}
