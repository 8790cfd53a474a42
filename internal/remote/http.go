package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/syncq/internal/protocol"
)

// Config describes how to reach the collection service.
type Config struct {
	BaseURL    string
	Collection string
	Timeout    time.Duration
	// SkipResolve uses Collection as the target id without asking the remote.
	SkipResolve bool
	// LookupToken authorizes the startup collection lookup.
	LookupToken string
	TLS         *TLSConfig
	Logger      *slog.Logger
}

// TLSConfig holds TLS settings for the remote client.
type TLSConfig struct {
	CACert     string
	ServerName string
	SkipVerify bool
}

// Target is the resolved remote collection.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HTTPEndpoint posts records to {base}/api/collections/{target}/records.
type HTTPEndpoint struct {
	baseURL string
	target  Target
	client  *http.Client
	logger  *slog.Logger
}

type createBody struct {
	User string `json:"user"`
	Data string `json:"data"`
	Date string `json:"date"`
}

// NewHTTPClient builds the http.Client shared by the endpoint and Resolve.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tc, err := setupTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// NewHTTPEndpoint returns an endpoint bound to an already resolved target.
func NewHTTPEndpoint(cfg Config, target Target) (*HTTPEndpoint, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("remote: base url required")
	}
	if target.ID == "" {
		return nil, fmt.Errorf("remote: empty target")
	}
	client, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEndpoint{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		target:  target,
		client:  client,
		logger:  logger,
	}, nil
}

// Target returns the collection this endpoint writes to.
func (h *HTTPEndpoint) Target() Target { return h.target }

func (h *HTTPEndpoint) CreateRecord(ctx context.Context, u protocol.Upload, credential string) error {
	body, err := json.Marshal(createBody{
		User: u.Owner,
		Data: string(u.Payload),
		Date: u.CapturedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", u.ID, err)
	}
	endpoint := h.baseURL + "/api/collections/" + url.PathEscape(h.target.ID) + "/records"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, credential)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("remote create failed", "id", u.ID, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		h.logger.Debug("remote rejected record", "id", u.ID, "status", resp.StatusCode)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Resolve looks the configured collection up once. When lookups are
// disabled, or the remote has no lookup route (404), the name doubles as id.
func Resolve(ctx context.Context, cfg Config) (Target, error) {
	name := strings.TrimSpace(cfg.Collection)
	if name == "" {
		return Target{}, fmt.Errorf("remote: collection name required")
	}
	fallback := Target{ID: name, Name: name}
	if cfg.SkipResolve {
		return fallback, nil
	}
	client, err := NewHTTPClient(cfg)
	if err != nil {
		return Target{}, err
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/api/collections/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Target{}, fmt.Errorf("create request: %w", err)
	}
	setAuth(req, cfg.LookupToken)
	resp, err := client.Do(req)
	if err != nil {
		return Target{}, fmt.Errorf("resolve collection %q: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return fallback, nil
	}
	if err := checkStatus(resp); err != nil {
		return Target{}, fmt.Errorf("resolve collection %q: %w", name, err)
	}
	var t Target
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Target{}, fmt.Errorf("decode collection %q: %w", name, err)
	}
	if t.ID == "" {
		t.ID = name
	}
	if t.Name == "" {
		t.Name = name
	}
	return t, nil
}

func setAuth(req *http.Request, credential string) {
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func setupTLS(c *TLSConfig) (*tls.Config, error) {
	// #nosec G402
	tc := &tls.Config{
		InsecureSkipVerify: c.SkipVerify,
		ServerName:         c.ServerName,
	}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}
