package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/config"
)

// Aggregation talks to the consensus-reduction service. No retries here;
// the workflow export task owns the retry policy.
type Aggregation interface {
	DataRequests(ctx context.Context, accessToken string, workflowID int64) ([]DataRequest, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// DataRequest describes one computed dataset the aggregation service
// holds for a workflow.
type DataRequest struct {
	RequestedData string `json:"requested_data"`
	UpdatedAt     string `json:"updated_at"`
	URL           string `json:"url"`
}

// CaesarClient implements Aggregation.
type CaesarClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewCaesarClient(cfg *config.CaesarConfig, timeout time.Duration) *CaesarClient {
	return &CaesarClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
	}
}

func (c *CaesarClient) DataRequests(ctx context.Context, accessToken string, workflowID int64) ([]DataRequest, error) {
	endpoint := fmt.Sprintf("%s/workflows/%d/data_requests", c.baseURL, workflowID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.WrapUpstreamError(err, "aggregation request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, "aggregation"); err != nil {
		return nil, err
	}

	var requests []DataRequest
	if err := json.NewDecoder(resp.Body).Decode(&requests); err != nil {
		return nil, apperrors.WrapUpstreamError(err, "failed to decode data requests for workflow %d", workflowID)
	}
	return requests, nil
}

// Download streams a finished reduction dataset. The caller closes the
// returned body.
func (c *CaesarClient) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.WrapUpstreamError(err, "reductions download from %s failed", url)
	}

	if err := checkResponse(resp, "aggregation"); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
