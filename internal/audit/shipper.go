package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/compliance-core/compliance-core/internal/safego"
	"github.com/compliance-core/compliance-core/internal/telemetry"
)

// Shipper forwards committed chain entries to an external destination — a
// SIEM, a log aggregator, or a local audit file. Shipping is strictly
// downstream of the chain: a shipped copy is a convenience export, the
// store remains the source of truth, and a shipping failure never
// propagates to the caller that logged the action.
type Shipper interface {
	// Ship delivers one committed entry to the destination.
	Ship(ctx context.Context, entry *Entry) error
	// Close flushes buffered entries and releases resources.
	Close() error
}

// ShipperConfig selects and configures one shipping destination.
type ShipperConfig struct {
	// Enabled determines if this shipper is active.
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Type is the shipper type (webhook, file).
	Type string `json:"type" mapstructure:"type"`
	// Webhook configuration, required when Type == "webhook".
	Webhook *WebhookConfig `json:"webhook,omitempty" mapstructure:"webhook"`
	// File configuration, required when Type == "file".
	File *FileConfig `json:"file,omitempty" mapstructure:"file"`
}

// WebhookConfig holds webhook shipper configuration.
type WebhookConfig struct {
	// URL is the webhook endpoint.
	URL string `json:"url" mapstructure:"url"`
	// Headers are additional HTTP headers to send.
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// BatchSize is how many entries to batch before sending (0 = no batching).
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`
	// FlushInterval is how often to flush batched entries.
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
}

// FileConfig holds file shipper configuration.
type FileConfig struct {
	// Path is the audit file path. Entries are appended as JSON lines.
	Path string `json:"path" mapstructure:"path"`
	// MaxSizeMB is the maximum file size before rotation.
	MaxSizeMB int `json:"max_size_mb" mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `json:"max_backups" mapstructure:"max_backups"`
}

// MultiShipper fans one entry out to every configured destination.
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from configs. Disabled configs are
// skipped; an unknown type or a missing type-specific section is a
// configuration error.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0)}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Ship sends the entry to all configured destinations. A failing destination
// is counted and logged but does not stop delivery to the others; the last
// error is returned for the caller's own diagnostics.
func (ms *MultiShipper) Ship(ctx context.Context, entry *Entry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			lastErr = err
			telemetry.AuditShipperErrorsTotal.WithLabelValues(shipperType(shipper)).Inc()
			slog.Error("audit shipper delivery failed", "error", err, "entry_id", entry.EntryID)
		}
	}
	return lastErr
}

// Close closes all destinations, flushing buffered entries.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func shipperType(s Shipper) string {
	switch s.(type) {
	case *WebhookShipper:
		return "webhook"
	case *FileShipper:
		return "file"
	default:
		return "unknown"
	}
}

// WebhookShipper delivers entries to an HTTP endpoint, optionally batched.
type WebhookShipper struct {
	cfg       *WebhookConfig
	client    *http.Client
	batchCh   chan *Entry
	batch     []*Entry
	batchMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper. When BatchSize > 0 a
// background worker accumulates entries and flushes them as a JSON array on
// size or interval.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ws := &WebhookShipper{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		batchCh: make(chan *Entry, 1000),
		batch:   make([]*Entry, 0),
		closeCh: make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		safego.Go(ws.processBatches)
	}

	return ws, nil
}

// processBatches accumulates queued entries and flushes on batch size, on
// the flush interval, and at close.
func (ws *WebhookShipper) processBatches() {
	flushInterval := ws.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, entry)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. Callers must hold batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		ws.batch = ws.batch[:0]
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.client.Timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		telemetry.AuditShipperErrorsTotal.WithLabelValues("webhook").Inc()
		slog.Error("failed to send audit batch", "error", err, "entries", len(ws.batch))
	}

	ws.batch = ws.batch[:0]
}

// Ship delivers the entry, queueing it when batching is enabled.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *Entry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.batchCh <- entry:
			return nil
		default:
			// Queue full, fall through to a direct send.
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close stops the batch worker, flushing any buffered entries.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	return nil
}

// FileShipper appends entries to a local file, one JSON object per line.
// Rotation renames whole files and never rewrites entries, so each rotated
// segment remains independently verifiable: the first entry of a segment
// carries the previousHash anchoring it to the end of the prior segment.
type FileShipper struct {
	cfg  *FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the audit file for appending.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship appends the entry as one JSON line, rotating first when the file has
// grown past the size limit.
func (fs *FileShipper) Ship(_ context.Context, entry *Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit file", "error", err, "path", fs.cfg.Path)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

// rotate shifts backups up by one and starts a fresh file. Callers must
// hold mu.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i+1)
		_ = os.Rename(oldPath, newPath)
	}

	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the audit file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
