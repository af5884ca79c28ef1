// Package transport implements the mTLS client to the remote ingestion
// endpoint: pooled HTTPS connections, zstd payload compression, a
// retry-with-jitter send path, and an optional WebSocket channel. Grounded
// on agent/core/transport.py (connection model, endpoint contract,
// compression, retry behavior).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/model"
	"github.com/securewatch/agent/internal/resilience"
)

// MTLSConfig names the three PEM material paths.
type MTLSConfig struct {
	CACert         string
	ClientCert     string
	ClientKey      string
	VerifyHostname bool
}

// Config configures a Transport.
type Config struct {
	Endpoint         string
	AgentID          string
	MTLS             MTLSConfig
	CompressionMinSize int
	RetryPolicy      *resilience.RetryPolicy
	BatchSize        int
	Timeout          time.Duration
	WebSocketEnabled bool
}

// Transport is the agent's client to the remote ingestion endpoint. One
// pooled HTTPS client per spec.md §4.6: at most 10 connections per host, at
// most 100 idle connections kept in the pool, 30s idle keepalive.
type Transport struct {
	cfg    Config
	client *http.Client
	zstdW  *zstd.Encoder
}

// New builds a Transport. Missing mTLS paths at this point are fatal per
// spec.md §6 ("missing paths at transport-initialize time are fatal").
func New(cfg Config) (*Transport, error) {
	tlsConfig, err := buildTLSConfig(cfg.MTLS)
	if err != nil {
		return nil, agenterrors.NewTransportError("failed to build TLS configuration", err)
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxConnsPerHost:     10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, agenterrors.NewTransportError("failed to initialize zstd encoder", err)
	}

	if cfg.RetryPolicy != nil && cfg.RetryPolicy.ErrorChecker == nil {
		cfg.RetryPolicy.ErrorChecker = newNonRetryableChecker()
	}

	return &Transport{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		zstdW:  enc,
	}, nil
}

// clientError marks a 4xx response other than 401/403 as non-retryable:
// the request itself is malformed and retrying it would just repeat the
// failure.
type clientError struct {
	status int
	msg    string
}

func (e clientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.status, e.msg)
}

// nonRetryableChecker stops the retry loop on authentication failures and
// other 4xx client errors; everything else — network errors and 5xx
// responses — is classified by resilience.HTTPErrorChecker and retried up to
// the policy's limit.
type nonRetryableChecker struct {
	fallback resilience.RetryableErrorChecker
}

func newNonRetryableChecker() nonRetryableChecker {
	return nonRetryableChecker{fallback: resilience.NewHTTPErrorChecker()}
}

func (c nonRetryableChecker) IsRetryable(err error) bool {
	var authErr *agenterrors.AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var clientErr clientError
	if errors.As(err, &clientErr) {
		return false
	}
	return c.fallback.IsRetryable(err)
}

func buildTLSConfig(cfg MTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.VerifyHostname,
	}

	if cfg.CACert != "" {
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA bundle %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// TestConnection probes the endpoint's GET /health, failing initialization
// if it does not return 200 (spec.md §4.6).
func (t *Transport) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"/health", nil)
	if err != nil {
		return agenterrors.NewTransportError("failed to build health probe request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return agenterrors.NewTransportError("health probe request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agenterrors.NewTransportError(fmt.Sprintf("health probe returned %d", resp.StatusCode), nil)
	}
	return nil
}

type eventsPayload struct {
	AgentID   string        `json:"agent_id"`
	Timestamp int64         `json:"timestamp"`
	Events    []model.Event `json:"events"`
}

// SendResult is returned by SendEvents.
type SendResult struct {
	Success   bool
	BytesSent int
}

// SendEvents POSTs a batch to /events, returning (success, bytes_sent)
// where bytes_sent is the on-wire body length (spec.md §4.6). Retries per
// cfg.RetryPolicy; a 401/403 response raises AuthenticationError, which the
// retry policy's error checker must treat as non-retryable.
func (t *Transport) SendEvents(ctx context.Context, events []model.Event) (SendResult, error) {
	body, err := json.Marshal(eventsPayload{AgentID: t.cfg.AgentID, Timestamp: time.Now().UTC().Unix(), Events: events})
	if err != nil {
		return SendResult{}, agenterrors.NewTransportError("failed to serialize events batch", err)
	}

	wireBody, encoding := t.maybeCompress(body)

	result := SendResult{}
	policy := t.cfg.RetryPolicy
	err = resilience.WithRetry(ctx, policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+"/events", bytes.NewReader(wireBody))
		if err != nil {
			return err
		}
		t.setHeaders(req, len(events), encoding)

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			msg, _ := io.ReadAll(resp.Body)
			return agenterrors.NewAuthenticationError(string(msg), nil)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result.Success = true
			result.BytesSent = len(wireBody)
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			msg, _ := io.ReadAll(resp.Body)
			return clientError{status: resp.StatusCode, msg: string(msg)}
		default:
			return fmt.Errorf("retryable server error %d", resp.StatusCode)
		}
	})

	if err != nil {
		return result, agenterrors.NewTransportError("send_events failed", err)
	}
	return result, nil
}

// SendHeartbeat POSTs the agent's status snapshot to /heartbeat.
func (t *Transport) SendHeartbeat(ctx context.Context, status any) error {
	body, err := json.Marshal(map[string]any{
		"agent_id":  t.cfg.AgentID,
		"timestamp": time.Now().UTC().Unix(),
		"type":      "heartbeat",
		"status":    status,
	})
	if err != nil {
		return agenterrors.NewTransportError("failed to serialize heartbeat", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return agenterrors.NewTransportError("failed to build heartbeat request", err)
	}
	t.setHeaders(req, 0, "")

	resp, err := t.client.Do(req)
	if err != nil {
		return agenterrors.NewTransportError("heartbeat request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return agenterrors.NewTransportError(fmt.Sprintf("heartbeat returned %d", resp.StatusCode), nil)
	}
	return nil
}

// ConfigPullResult is returned by PullConfig.
type ConfigPullResult struct {
	Changed bool
	Body    []byte
}

// PullConfig GETs /agents/{agent_id}/config. 200 means a new document (in
// Body); 304 means no change; any other status is a warning, ignored
// (spec.md §4.6).
func (t *Transport) PullConfig(ctx context.Context) (ConfigPullResult, error) {
	url := fmt.Sprintf("%s/agents/%s/config", t.cfg.Endpoint, t.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ConfigPullResult{}, agenterrors.NewTransportError("failed to build config-pull request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return ConfigPullResult{}, agenterrors.NewTransportError("config-pull request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ConfigPullResult{}, agenterrors.NewTransportError("failed to read config-pull body", err)
		}
		return ConfigPullResult{Changed: true, Body: body}, nil
	case http.StatusNotModified:
		return ConfigPullResult{Changed: false}, nil
	default:
		return ConfigPullResult{Changed: false}, nil
	}
}

func (t *Transport) setHeaders(req *http.Request, eventCount int, encoding string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("SecureWatch-Agent/%s", t.cfg.AgentID))
	req.Header.Set("X-Agent-ID", t.cfg.AgentID)
	if eventCount > 0 {
		req.Header.Set("X-Event-Count", fmt.Sprintf("%d", eventCount))
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
}

// maybeCompress zstd-compresses body, returning the compressed form (and
// "zstd") only if it is strictly smaller and body is at least
// CompressionMinSize bytes.
func (t *Transport) maybeCompress(body []byte) ([]byte, string) {
	if len(body) < t.cfg.CompressionMinSize {
		return body, ""
	}
	compressed := t.zstdW.EncodeAll(body, nil)
	if len(compressed) < len(body) {
		return compressed, "zstd"
	}
	return body, ""
}

// Close releases the zstd encoder and idles the underlying transport.
func (t *Transport) Close() error {
	t.zstdW.Close()
	t.client.CloseIdleConnections()
	return nil
}
