package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUploadSuccessReturnsAttachment(t *testing.T) {
	var gotFilename, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotFilename = body["filename"]
		gotToken = r.Header.Get("X-Upload-Token")

		decoded, _ := base64.StdEncoding.DecodeString(body["content"])
		if string(decoded) != "hello world" {
			t.Errorf("decoded content = %q, want %q", decoded, "hello world")
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://files.example.com/abc"})
	}))
	defer srv.Close()

	root := t.TempDir()
	absPath := filepath.Join(root, "notes.md")
	if err := os.WriteFile(absPath, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	client := NewClient(5*time.Second, nil)
	attachment, ok := client.Upload(context.Background(), "req-1", root, absPath, srv.URL, "tok-abc")
	if !ok {
		t.Fatal("expected upload to succeed")
	}
	if attachment.URL != "https://files.example.com/abc" {
		t.Fatalf("URL = %q, want %q", attachment.URL, "https://files.example.com/abc")
	}
	if attachment.ContentType != "text/markdown" {
		t.Fatalf("ContentType = %q, want text/markdown", attachment.ContentType)
	}
	if gotFilename != "notes.md" {
		t.Fatalf("filename sent = %q, want notes.md", gotFilename)
	}
	if gotToken != "tok-abc" {
		t.Fatalf("token sent = %q, want tok-abc", gotToken)
	}
}

func TestUploadOversizeFileSkipped(t *testing.T) {
	root := t.TempDir()
	absPath := filepath.Join(root, "huge.bin")
	if err := os.WriteFile(absPath, make([]byte, MaxFileSize+1), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	client := NewClient(5*time.Second, nil)
	_, ok := client.Upload(context.Background(), "req-1", root, absPath, "http://unused.invalid", "tok")
	if ok {
		t.Fatal("expected oversized file to be skipped")
	}
}

func TestUploadFailureRecordsOutboxEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	root := t.TempDir()
	absPath := filepath.Join(root, "notes.md")
	if err := os.WriteFile(absPath, []byte("content"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "outbox.db")
	outbox, err := OpenOutbox(dbPath)
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}
	defer outbox.Close()

	client := NewClient(5*time.Second, outbox)
	_, ok := client.Upload(context.Background(), "req-1", root, absPath, srv.URL, "tok")
	if ok {
		t.Fatal("expected upload against a 500 server to fail")
	}

	rows, err := outbox.readAll()
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	if rows[0].relPath != "notes.md" {
		t.Fatalf("rel_path = %q, want notes.md", rows[0].relPath)
	}
}

func TestMimeTypeDefaultsToOctetStream(t *testing.T) {
	if got := mimeType("weird.unknownext"); got != "application/octet-stream" {
		t.Fatalf("mimeType = %q, want application/octet-stream", got)
	}
}
