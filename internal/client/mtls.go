// Package client talks to the pseudonymisation API over mutual TLS.
package client

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
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/service"
)

// API paths.
const (
	apiWhoAmI         = "/api/whoami"
	apiPseudonymise   = "/api/pseudonymise"
	apiDePseudonymise = "/api/depseudonymise"
	apiRestore        = "/api/restore"
	apiMappings       = "/api/mappings/"
)

// DefaultTimeout matches the server's request timeout.
const DefaultTimeout = 10 * time.Minute

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// LoadClientCertificate builds an HTTP client that presents the operator
// certificate and trusts only the given CA.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA cert")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return &http.Client{Transport: transport, Timeout: DefaultTimeout}, nil
}

// Client calls the API at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a Client for baseURL, for example "https://localhost:8443".
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

// WhoAmI returns the operator name the server read from the certificate.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var out struct {
		Operator string `json:"operator"`
	}
	if err := c.do(ctx, http.MethodGet, apiWhoAmI, nil, &out); err != nil {
		return "", err
	}
	return out.Operator, nil
}

// Pseudonymise asks the server to pseudonymise the container named by
// record.Path in its input directory.
func (c *Client) Pseudonymise(ctx context.Context, record models.SlideIdentity) (*service.Outcome, error) {
	var out service.Outcome
	if err := c.do(ctx, http.MethodPost, apiPseudonymise, record, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DePseudonymise returns the original identity of a surrogate record.
func (c *Client) DePseudonymise(ctx context.Context, record models.SlideIdentity) (*models.SlideIdentity, error) {
	var out models.SlideIdentity
	if err := c.do(ctx, http.MethodPost, apiDePseudonymise, record, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mapping fetches a stored mapping.
func (c *Client) Mapping(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error) {
	var out models.PseudonymMapping
	if err := c.do(ctx, http.MethodGet, apiMappings+url.PathEscape(pseudonymID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restore asks the server to restore a pseudonymised container.
func (c *Client) Restore(ctx context.Context, pseudonymID, path string) (*service.RestoreOutcome, error) {
	var out service.RestoreOutcome
	req := map[string]string{"pseudonym_id": pseudonymID, "path": path}
	if err := c.do(ctx, http.MethodPost, apiRestore, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
