// Package verify re-measures entities after a deployment and decides
// whether the fix actually worked.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Checker is one external confirmation source consulted during
// evaluation.
type Checker interface {
	// Name identifies the check in audit payloads and logs.
	Name() string

	// Check reports whether the external source confirms the fix for the
	// given domain.
	Check(ctx context.Context, domain string) (bool, error)
}

// CheckConfig configures an external check client.
type CheckConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// checkResponse is the response body shared by both check APIs.
type checkResponse struct {
	Passed bool `json:"passed"`
}

// httpCheck issues the GET and decodes the shared response shape.
func httpCheck(ctx context.Context, client *http.Client, endpoint, apiKey, domain string) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		endpoint+"?domain="+url.QueryEscape(domain),
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check failed (status %d): %s", resp.StatusCode, string(body))
	}

	var out checkResponse
	if unmarshalErr := json.Unmarshal(body, &out); unmarshalErr != nil {
		return false, fmt.Errorf("unmarshal response: %w", unmarshalErr)
	}
	return out.Passed, nil
}

// RichResultsChecker confirms that the deployed structured data surfaces
// in rich results.
type RichResultsChecker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRichResultsChecker creates a rich-results checker.
func NewRichResultsChecker(cfg CheckConfig) *RichResultsChecker {
	return &RichResultsChecker{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// Name implements Checker.
func (c *RichResultsChecker) Name() string {
	return "rich-results"
}

// Check implements Checker.
func (c *RichResultsChecker) Check(ctx context.Context, domain string) (bool, error) {
	return httpCheck(ctx, c.httpClient, c.baseURL+"/v1/rich-results", c.apiKey, domain)
}

// AnswerEngineChecker confirms that answer engines cite the entity after
// the fix.
type AnswerEngineChecker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAnswerEngineChecker creates an answer-engine checker.
func NewAnswerEngineChecker(cfg CheckConfig) *AnswerEngineChecker {
	return &AnswerEngineChecker{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// Name implements Checker.
func (c *AnswerEngineChecker) Name() string {
	return "answer-engine"
}

// Check implements Checker.
func (c *AnswerEngineChecker) Check(ctx context.Context, domain string) (bool, error) {
	return httpCheck(ctx, c.httpClient, c.baseURL+"/v1/citations", c.apiKey, domain)
}
