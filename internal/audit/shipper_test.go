package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testEntry(action string) *Entry {
	uid := "admin"
	return &Entry{
		EntryID:      "e-" + action,
		Timestamp:    time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC),
		Action:       action,
		ResourceType: "record",
		ResourceID:   "r-1",
		UserID:       &uid,
		Status:       StatusSuccess,
		Details:      map[string]any{},
		PreviousHash: "0000000000000000000000000000000000000000000000000000000000000000",
		EntryHash:    "1111111111111111111111111111111111111111111111111111111111111111",
	}
}

func TestNewMultiShipper(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "audit.jsonl")

	tests := []struct {
		name    string
		configs []ShipperConfig
		wantErr bool
		wantLen int
	}{
		{
			name:    "empty configs",
			configs: nil,
			wantLen: 0,
		},
		{
			name: "disabled configs skipped",
			configs: []ShipperConfig{
				{Enabled: false, Type: "webhook"},
			},
			wantLen: 0,
		},
		{
			name: "webhook and file",
			configs: []ShipperConfig{
				{Enabled: true, Type: "webhook", Webhook: &WebhookConfig{URL: "http://localhost:9"}},
				{Enabled: true, Type: "file", File: &FileConfig{Path: tmpFile}},
			},
			wantLen: 2,
		},
		{
			name: "unknown type",
			configs: []ShipperConfig{
				{Enabled: true, Type: "syslog"},
			},
			wantErr: true,
		},
		{
			name: "webhook without webhook section",
			configs: []ShipperConfig{
				{Enabled: true, Type: "webhook"},
			},
			wantErr: true,
		},
		{
			name: "file without file section",
			configs: []ShipperConfig{
				{Enabled: true, Type: "file"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := NewMultiShipper(tt.configs)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewMultiShipper: %v", err)
			}
			defer ms.Close()
			if len(ms.shippers) != tt.wantLen {
				t.Errorf("got %d shippers, want %d", len(ms.shippers), tt.wantLen)
			}
		})
	}
}

func TestWebhookShipper_DirectSend(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if got := r.Header.Get("X-Audit-Source"); got != "compliance-core" {
			t.Errorf("X-Audit-Source = %q, want compliance-core", got)
		}
		var entry map[string]any
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		mu.Lock()
		received = append(received, entry)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Audit-Source": "compliance-core"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer ws.Close()

	if err := ws.Ship(context.Background(), testEntry("LOGIN")); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("webhook received %d requests, want 1", len(received))
	}
	if received[0]["action"] != "LOGIN" {
		t.Errorf("delivered action = %v, want LOGIN", received[0]["action"])
	}
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer ws.Close()

	err = ws.Ship(context.Background(), testEntry("LOGIN"))
	if err == nil {
		t.Fatal("Ship returned nil for a 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q does not name the status", err)
	}
}

func TestWebhookShipper_BatchFlushOnSize(t *testing.T) {
	batches := make(chan []map[string]any, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decoding batch body: %v", err)
		}
		batches <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:           srv.URL,
		BatchSize:     3,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer ws.Close()

	for _, action := range []string{"LOGIN", "READ", "LOGOUT"} {
		if err := ws.Ship(context.Background(), testEntry(action)); err != nil {
			t.Fatalf("Ship(%s): %v", action, err)
		}
	}

	select {
	case batch := <-batches:
		if len(batch) != 3 {
			t.Errorf("flushed batch has %d entries, want 3", len(batch))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch never flushed after reaching batch size")
	}
}

func TestWebhookShipper_CloseFlushesBatch(t *testing.T) {
	batches := make(chan []map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decoding batch body: %v", err)
		}
		batches <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := NewWebhookShipper(&WebhookConfig{
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}

	if err := ws.Ship(context.Background(), testEntry("LOGIN")); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	// Give the worker a moment to drain the queue before closing.
	time.Sleep(50 * time.Millisecond)

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case batch := <-batches:
		if len(batch) != 1 {
			t.Errorf("close flushed %d entries, want 1", len(batch))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not flush the pending batch")
	}
}

func TestFileShipper_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	fs, err := NewFileShipper(&FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}

	for _, action := range []string{"LOGIN", "READ"} {
		if err := fs.Ship(context.Background(), testEntry(action)); err != nil {
			t.Fatalf("Ship(%s): %v", action, err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening audit file: %v", err)
	}
	defer f.Close()

	var actions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line is not a JSON entry: %v", err)
		}
		actions = append(actions, entry.Action)
	}
	if len(actions) != 2 || actions[0] != "LOGIN" || actions[1] != "READ" {
		t.Errorf("file contains actions %v, want [LOGIN READ]", actions)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit file mode = %o, want 0600", perm)
	}
}

func TestFileShipper_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	// Pre-fill past the 1 MB limit so the next Ship rotates first.
	if err := os.WriteFile(path, make([]byte, 2*1024*1024), 0600); err != nil {
		t.Fatalf("seeding audit file: %v", err)
	}

	fs, err := NewFileShipper(&FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), testEntry("LOGIN")); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated backup missing: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current file: %v", err)
	}
	if info.Size() >= 2*1024*1024 {
		t.Error("current file was not rotated")
	}
}

func TestMultiShipper_ContinuesPastFailingDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ms, err := NewMultiShipper([]ShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &WebhookConfig{URL: srv.URL}},
		{Enabled: true, Type: "file", File: &FileConfig{Path: path}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	defer ms.Close()

	if err := ms.Ship(context.Background(), testEntry("LOGIN")); err == nil {
		t.Error("Ship returned nil despite a failing destination")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit file: %v", err)
	}
	if !strings.Contains(string(data), `"action":"LOGIN"`) {
		t.Error("file destination did not receive the entry after webhook failure")
	}
}
