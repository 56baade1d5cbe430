package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"courier/internal/courier"
	logx "courier/pkg/logx"
)

// HTTPConfig points at the compute backend's submit endpoint.
type HTTPConfig struct {
	URL   string
	Token string // bearer token, never logged
}

// HTTP submits payloads to the backend over its HTTP API.
//
// The client deliberately carries no timeout: the backend may hold the
// request while it thinks, and only ctx cancellation (shutdown) interrupts
// it. Connection errors and 5xx responses are marked transient so the queue
// retries them; a 4xx rejection is terminal.
type HTTP struct {
	cfg   HTTPConfig
	httpc *http.Client
	log   logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, errors.New("backend url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{cfg: cfg, httpc: &http.Client{}, log: log}, nil
}

type submitResponse struct {
	CorrelationID string `json:"correlation_id"`
}

func (h *HTTP) Submit(ctx context.Context, sessionID string, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/messages", h.cfg.URL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s", courier.ErrTransientNetwork, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: backend status %d", courier.ErrTransientNetwork, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("backend rejected submission: status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&sr); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %s", courier.ErrTransientNetwork, err.Error())
	}
	if sr.CorrelationID == "" {
		return "", errors.New("backend returned no correlation id")
	}
	return sr.CorrelationID, nil
}
