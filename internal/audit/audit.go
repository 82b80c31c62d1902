// Package audit ships one structured record per provisioning request to destinations
// outside the application log: an append-only JSON lines file and/or an HTTP webhook.
// Audit records are kept apart from slog output because they feed operators' tenant
// inventories and compliance tooling rather than debugging.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/safego"
)

// ActionProvision is the action of every record emitted by the orchestrator
const ActionProvision = "site.provision"

// Event is one provisioning audit record. It never carries the admin password or email.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Identifier     string    `json:"identifier,omitempty"`
	Outcome        string    `json:"outcome"`
	Stage          string    `json:"stage,omitempty"`
	Database       string    `json:"database,omitempty"`
	AdminUsername  string    `json:"admin_username,omitempty"`
	AccountCreated bool      `json:"account_created,omitempty"`
	RolledBack     bool      `json:"rolled_back,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
}

// Shipper delivers events to one destination
type Shipper interface {
	Ship(ctx context.Context, event *Event) error
	Close() error
}

// MultiShipper fans events out to every enabled destination
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// New builds the shippers enabled in cfg. With nothing enabled the result ships nowhere.
func New(cfg config.AuditConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	if cfg.File.Enabled {
		fs, err := NewFileShipper(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file audit shipper: %w", err)
		}
		ms.shippers = append(ms.shippers, fs)
	}
	if cfg.Webhook.Enabled {
		if cfg.Webhook.URL == "" {
			_ = ms.Close()
			return nil, errors.New("audit webhook url is required")
		}
		ms.shippers = append(ms.shippers, NewWebhookShipper(cfg.Webhook))
	}

	return ms, nil
}

// Len returns the number of active destinations
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends event to every destination. A failing destination does not stop the others;
// the errors are joined.
func (ms *MultiShipper) Ship(ctx context.Context, event *Event) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every destination
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ms.shippers = nil
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

// WebhookShipper posts events to an HTTP endpoint, one per request or batched as a JSON
// array when BatchSize > 0.
type WebhookShipper struct {
	cfg       config.AuditWebhookConfig
	client    *http.Client
	batchCh   chan *Event
	batch     []*Event
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper and starts its batch loop when batching
func NewWebhookShipper(cfg config.AuditWebhookConfig) *WebhookShipper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		batchCh: make(chan *Event, 1000),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		safego.Go("audit-webhook-batcher", ws.processBatches)
	} else {
		close(ws.done)
	}
	return ws
}

func (ws *WebhookShipper) processBatches() {
	defer close(ws.done)

	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-ws.batchCh:
			ws.batch = append(ws.batch, event)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
		case <-ticker.C:
			ws.flushBatch()
		case <-ws.closeCh:
			for {
				select {
				case event := <-ws.batchCh:
					ws.batch = append(ws.batch, event)
				default:
					ws.flushBatch()
					return
				}
			}
		}
	}
}

func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}
	defer func() { ws.batch = ws.batch[:0] }()

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()

	if err := ws.post(ctx, data); err != nil {
		slog.Error("failed to ship audit batch", "events", len(ws.batch), "error", err)
	}
}

// Ship queues event when batching, falling back to a direct post when the queue is full
// or the shipper is closed
func (ws *WebhookShipper) Ship(ctx context.Context, event *Event) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case <-ws.closeCh:
		default:
			select {
			case ws.batchCh <- event:
				return nil
			default:
			}
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return ws.post(ctx, data)
}

func (ws *WebhookShipper) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create audit webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued events and stops the batch loop
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.done
	return nil
}

// ---------------------------------------------------------------------------
// File
// ---------------------------------------------------------------------------

// FileShipper appends events as JSON lines, rotating the file once it exceeds MaxSizeMB
type FileShipper struct {
	cfg  config.AuditFileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the audit file for appending
func NewFileShipper(cfg config.AuditFileConfig) (*FileShipper, error) {
	file, err := openAppend(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 -- operator-configured path
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return file, nil
}

// Ship writes event as one line
func (fs *FileShipper) Ship(_ context.Context, event *Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return errors.New("audit log file is closed")
	}

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				return fmt.Errorf("failed to rotate audit log: %w", err)
			}
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens path.
// Backups beyond MaxBackups are removed.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	fs.file = nil

	path := fs.cfg.Path
	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	if fs.cfg.MaxBackups > 0 {
		_ = os.Rename(path, path+".1")
		_ = os.Remove(fmt.Sprintf("%s.%d", path, fs.cfg.MaxBackups+1))
	} else {
		_ = os.Remove(path)
	}

	file, err := openAppend(path)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
