package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/domain"
	"bridgewatch/internal/worker"
)

const defaultLogPath = "/blockchain/log"

// HTTPOptions parameterise the HTTP anchoring service.
type HTTPOptions struct {
	BaseURL   string
	Path      string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPAnchor posts fingerprints to an anchoring service that returns a tx hash.
type HTTPAnchor struct {
	opts     HTTPOptions
	logger   zerolog.Logger
	client   *http.Client
	endpoint string
}

// NewHTTPAnchor constructs an HTTP anchor.
func NewHTTPAnchor(opts HTTPOptions, logger zerolog.Logger) *HTTPAnchor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	path := opts.Path
	if path == "" {
		path = defaultLogPath
	}

	return &HTTPAnchor{
		opts:     opts,
		logger:   logger.With().Str("component", "http_anchor").Logger(),
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"),
	}
}

// Anchor submits rec and returns the ledger transaction reference.
func (a *HTTPAnchor) Anchor(ctx context.Context, rec Record) (string, error) {
	if a.opts.BaseURL == "" {
		return "", worker.Permanent(errors.New("anchor base url not configured"))
	}

	body, err := json.Marshal(logRequest{
		EventID:     rec.AlertID,
		Type:        string(rec.Event),
		Fingerprint: rec.Fingerprint.Hex(),
		AssetID:     rec.Snapshot.AssetID,
		Severity:    string(rec.Severity),
		Timestamp:   rec.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", rec.Fingerprint.Hex())
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "bridgewatch/1.0")
	}
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNotarizationUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrNotarizationUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := parseHTTPError(resp.StatusCode, payload)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", domain.ErrNotarizationUnavailable, httpErr)
		}
		return "", httpErr
	}

	var res logResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}
	if res.TxHash == "" {
		return "", errors.New("anchor response missing txHash")
	}

	a.logger.Debug().Str("tx_hash", res.TxHash).Str("network", res.Network).Msg("anchor accepted")
	return res.TxHash, nil
}

type logRequest struct {
	EventID     string `json:"eventId"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	AssetID     string `json:"assetId,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type logResponse struct {
	Status    string `json:"status"`
	TxHash    string `json:"txHash"`
	Network   string `json:"network"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("anchor api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("anchor api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("anchor api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("anchor api error (%d)", status)
}

var _ Anchor = (*HTTPAnchor)(nil)
