// Package push is the client for the out-of-band push notification gateway.
//
// Payloads are validated against an embedded JSON Schema in both directions.
// Sender and receiver have historically drifted on field names for the same
// semantic content, so a single versioned schema is enforced at the boundary
// rather than trusted by convention.
package push

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"courier/internal/courier"
	logx "courier/pkg/logx"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SessionStatus values carried in notifications.
const (
	StatusStart    = "start"
	StatusActive   = "active"
	StatusComplete = "complete"
)

// Notification is the canonical outbound payload, schema version 1.
type Notification struct {
	SchemaVersion  int    `json:"schema_version"`
	CorrelationID  string `json:"correlation_id"`
	SessionID      string `json:"session_id"`
	PayloadPreview string `json:"payload_preview,omitempty"`
	SessionStatus  string `json:"session_status"`
}

// Callback is a delivery/failure report from the gateway, keyed by the same
// correlation identifier.
type Callback struct {
	SchemaVersion int    `json:"schema_version"`
	CorrelationID string `json:"correlation_id"`
	SessionID     string `json:"session_id,omitempty"`
	Status        string `json:"status"` // delivered | failed
	At            string `json:"at,omitempty"`
}

func (c Callback) Delivered() bool { return c.Status == "delivered" }

const (
	DefaultRatePerSec    = 10
	DefaultRetryMax      = 3
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 10 * time.Second

	maxCallbackBody = 64 << 10
	previewLimit    = 120
)

type Config struct {
	BaseURL       string
	Token         string // bearer token, never logged
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return c
}

type Client struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	notifSchema    *jsonschema.Schema
	callbackSchema *jsonschema.Schema
}

// NewClient compiles the embedded schemas and builds the gateway client.
// The HTTP timeout bounds only the gateway acknowledgment, never the backend.
func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("push base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	notif, err := compileSchema("schemas/notification.json")
	if err != nil {
		return nil, err
	}
	callback, err := compileSchema("schemas/callback.json")
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:            cfg,
		httpc:          &http.Client{Timeout: 15 * time.Second},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:            log,
		notifSchema:    notif,
		callbackSchema: callback,
	}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	f, err := schemaFS.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// Preview truncates message content for the notification payload.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "…"
}

// Send validates and POSTs the notification, retrying transient gateway
// failures with backoff. A schema violation is terminal: it means our own
// payload drifted.
func (c *Client) Send(ctx context.Context, n Notification) error {
	if n.SchemaVersion == 0 {
		n.SchemaVersion = 1
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := c.validate(c.notifSchema, raw); err != nil {
		return fmt.Errorf("notification schema: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	url := c.cfg.BaseURL + "/v1/notifications"
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryBase << (attempt - 2)
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.post(ctx, url, raw)
		if lastErr == nil {
			c.log.Debug("notification sent",
				logx.String("correlation", n.CorrelationID),
				logx.String("status", n.SessionStatus))
			return nil
		}
		c.log.Warn("notification send failed",
			logx.String("correlation", n.CorrelationID),
			logx.Int("attempt", attempt),
			logx.Err(lastErr))
		if !errors.Is(lastErr, courier.ErrTransientNetwork) {
			break
		}
	}
	return fmt.Errorf("push gateway: %w", lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", courier.ErrTransientNetwork, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway status %d", courier.ErrTransientNetwork, resp.StatusCode)
	default:
		return fmt.Errorf("gateway rejected notification: status %d", resp.StatusCode)
	}
}

// ParseCallback validates and decodes a delivery callback body.
func (c *Client) ParseCallback(r io.Reader) (Callback, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxCallbackBody))
	if err != nil {
		return Callback{}, err
	}
	if err := c.validate(c.callbackSchema, raw); err != nil {
		return Callback{}, fmt.Errorf("callback schema: %w", err)
	}
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return Callback{}, err
	}
	return cb, nil
}

// CallbackHandler returns the HTTP endpoint the gateway posts delivery
// reports to. resolve receives (correlationID, delivered).
func (c *Client) CallbackHandler(resolve func(correlationID string, delivered bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cb, err := c.ParseCallback(r.Body)
		if err != nil {
			c.log.Warn("invalid push callback", logx.Err(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resolve(cb.CorrelationID, cb.Delivered())
		w.WriteHeader(http.StatusNoContent)
	})
}

func (c *Client) validate(sch *jsonschema.Schema, raw []byte) error {
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(val)
}
