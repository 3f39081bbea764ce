// Package deploy pushes generated fixes to monitored sites and records the
// outcome, deduplicating so a fix is never deployed twice.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	// ErrTransient marks a failure worth retrying on a later sweep.
	ErrTransient = errors.New("transient deployment failure")
	// ErrPermanent marks a failure that retrying will not cure.
	ErrPermanent = errors.New("permanent deployment failure")
)

// MutationType distinguishes the two kinds of site mutation the injection
// service accepts.
type MutationType string

const (
	MutationTypeSchema MutationType = "schema"
	MutationTypeScript MutationType = "script"
)

// Mutation is a single site change to apply.
type Mutation struct {
	EntityID     string       `json:"entityId"`
	MutationType MutationType `json:"mutationType"`
	Content      string       `json:"content"`
}

// MutationClient applies mutations to a monitored site and returns the
// version identifier assigned by the injection service.
type MutationClient interface {
	Apply(ctx context.Context, m *Mutation) (versionID string, err error)
}

// SiteInjectConfig configures the site injection client.
type SiteInjectConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// SiteInjectClient implements MutationClient against the site injection
// service.
type SiteInjectClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSiteInjectClient creates a new site injection client.
func NewSiteInjectClient(cfg SiteInjectConfig) *SiteInjectClient {
	return &SiteInjectClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// injectResponse is the response body from the injection service.
type injectResponse struct {
	VersionID string `json:"versionId"`
}

// injectError is an error response from the injection service.
type injectError struct {
	Message string `json:"message"`
}

// Apply implements MutationClient.
func (c *SiteInjectClient) Apply(ctx context.Context, m *Mutation) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: marshal mutation: %v", ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/v1/mutations",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are retryable.
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return "", fmt.Errorf("%w: send request: %v", ErrTransient, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return "", c.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var resp injectResponse
	if unmarshalErr := json.Unmarshal(respBody, &resp); unmarshalErr != nil {
		return "", fmt.Errorf("%w: unmarshal response: %v", ErrTransient, unmarshalErr)
	}
	if resp.VersionID == "" {
		return "", fmt.Errorf("%w: response missing version id", ErrTransient)
	}

	return resp.VersionID, nil
}

// handleErrorResponse classifies injection service errors by status code.
func (c *SiteInjectClient) handleErrorResponse(statusCode int, body []byte) error {
	var errResp injectError
	msg := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		msg = errResp.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", ErrTransient, msg)
	case statusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: server error (status %d): %s", ErrTransient, statusCode, msg)
	default:
		return fmt.Errorf("%w: rejected (status %d): %s", ErrPermanent, statusCode, msg)
	}
}
