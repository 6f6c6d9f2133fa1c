package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/utils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// apiClient is the JSON-over-HTTP plumbing shared by the KYC and escrow clients.
type apiClient struct {
	name      string
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// newAPIClient reads <PREFIX>_API_BASE_URL, <PREFIX>_API_KEY and the optional
// <PREFIX>_API_KEY_HEADER.
func newAPIClient(name, envPrefix string) (*apiClient, error) {
	baseURL := strings.TrimSpace(os.Getenv(envPrefix + "_API_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("%s_API_BASE_URL is not set", envPrefix)
	}
	apiKey := strings.TrimSpace(os.Getenv(envPrefix + "_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is empty", name)
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv(envPrefix + "_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &apiClient{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type apiError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Service, e.StatusCode, e.Body)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		req.Header.Set("X-Correlation-Id", correlationId)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Service: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
