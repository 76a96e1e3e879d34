package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/config"
)

// PredictionJob is the external reference returned by a prediction
// service for a submitted manifest.
type PredictionJob struct {
	ID  string
	URL string
}

// PredictionBackend is the adapter over the two prediction services. The
// backends differ only in submission payload, auth scheme and how the job
// reference is parsed out of the response.
type PredictionBackend interface {
	Name() string
	Submit(ctx context.Context, manifestURL string) (*PredictionJob, error)
}

// CameraTrapsClient submits manifests to the camera-traps detection API,
// identified by a caller id sent as a bearer header.
type CameraTrapsClient struct {
	httpClient  *http.Client
	baseURL     string
	callerID    string
	requestName string
}

func NewCameraTrapsClient(cfg *config.MLConfig, timeout time.Duration) *CameraTrapsClient {
	return &CameraTrapsClient{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     cfg.CameraTrapsURL,
		callerID:    cfg.CameraTrapsCallerID,
		requestName: cfg.RequestName,
	}
}

func (c *CameraTrapsClient) Name() string { return "cameratraps" }

func (c *CameraTrapsClient) Submit(ctx context.Context, manifestURL string) (*PredictionJob, error) {
	body := map[string]string{
		"images_requested_json_sas": manifestURL,
		"use_url":                   "true",
		"request_name":              c.requestName,
	}

	req, err := newJSONRequest(ctx, c.baseURL+"/request_detections", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.callerID)

	var result struct {
		RequestID string `json:"request_id"`
	}
	if err := doJSON(c.httpClient, req, "prediction", &result); err != nil {
		return nil, err
	}
	if result.RequestID == "" {
		return nil, apperrors.NewUpstreamError(0, "prediction service returned no request id")
	}

	return &PredictionJob{
		ID:  result.RequestID,
		URL: fmt.Sprintf("%s/task/%s", c.baseURL, result.RequestID),
	}, nil
}

// KadeClient submits manifests to the KaDE prediction-jobs API using HTTP
// basic auth.
type KadeClient struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

func NewKadeClient(cfg *config.MLConfig, timeout time.Duration) *KadeClient {
	return &KadeClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.KadeURL,
		username:   cfg.KadeUsername,
		password:   cfg.KadePassword,
	}
}

func (c *KadeClient) Name() string { return "kade" }

func (c *KadeClient) Submit(ctx context.Context, manifestURL string) (*PredictionJob, error) {
	body := map[string]interface{}{
		"prediction_job": map[string]string{
			"manifest_url": manifestURL,
		},
	}

	req, err := newJSONRequest(ctx, c.baseURL, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	var result struct {
		ID json.Number `json:"id"`
	}
	if err := doJSON(c.httpClient, req, "prediction", &result); err != nil {
		return nil, err
	}
	if result.ID.String() == "" {
		return nil, apperrors.NewUpstreamError(0, "prediction service returned no job id")
	}

	return &PredictionJob{ID: result.ID.String()}, nil
}

func newJSONRequest(ctx context.Context, endpoint string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func doJSON(client *http.Client, req *http.Request, service string, result interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.WrapUpstreamError(err, "%s request to %s failed", service, req.URL)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, service); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return apperrors.WrapUpstreamError(err, "failed to decode %s response", service)
	}
	return nil
}
