package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/config"
)

// Catalog fetches subject/media listings from the upstream platform.
// The client performs no retries; retry policy lives in the calling task.
type Catalog interface {
	SubjectSet(ctx context.Context, accessToken string, id int64) (*SubjectSet, error)
	Subjects(ctx context.Context, accessToken string, subjectSetID int64) SubjectSource
}

// SubjectSource is a lazy sequence of subjects.
type SubjectSource interface {
	Next() bool
	Subject() Subject
	Err() error
}

// SubjectSet is the upstream aggregate a subject-set export targets.
type SubjectSet struct {
	ID        int64
	ProjectID string
}

// Subject is one catalog entry with its named media locations.
type Subject struct {
	ID        int64
	Locations []map[string]string
}

// PanoptesClient implements Catalog against the Panoptes HTTP API.
type PanoptesClient struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
}

func NewPanoptesClient(cfg *config.PanoptesConfig, timeout time.Duration) *PanoptesClient {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &PanoptesClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		pageSize:   pageSize,
	}
}

type subjectSetDoc struct {
	SubjectSets []struct {
		ID    string `json:"id"`
		Links struct {
			Project string `json:"project"`
		} `json:"links"`
	} `json:"subject_sets"`
}

type subjectsDoc struct {
	Subjects []struct {
		ID        string              `json:"id"`
		Locations []map[string]string `json:"locations"`
	} `json:"subjects"`
	Meta struct {
		Subjects struct {
			NextPage *int `json:"next_page"`
		} `json:"subjects"`
	} `json:"meta"`
}

func (c *PanoptesClient) SubjectSet(ctx context.Context, accessToken string, id int64) (*SubjectSet, error) {
	var doc subjectSetDoc
	endpoint := fmt.Sprintf("%s/subject_sets/%d", c.baseURL, id)
	if err := c.get(ctx, accessToken, endpoint, &doc); err != nil {
		return nil, err
	}
	if len(doc.SubjectSets) == 0 {
		return nil, apperrors.NewNotFoundError("subject set %d not found", id)
	}
	return &SubjectSet{ID: id, ProjectID: doc.SubjectSets[0].Links.Project}, nil
}

// Subjects returns a lazy, page-at-a-time iterator over the members of a
// subject set.
func (c *PanoptesClient) Subjects(ctx context.Context, accessToken string, subjectSetID int64) SubjectSource {
	return &SubjectIterator{
		client:       c,
		ctx:          ctx,
		accessToken:  accessToken,
		subjectSetID: subjectSetID,
		nextPage:     1,
	}
}

// SubjectIterator walks a subject set without materializing it. Usage:
//
//	for it.Next() {
//		s := it.Subject()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type SubjectIterator struct {
	client       *PanoptesClient
	ctx          context.Context
	accessToken  string
	subjectSetID int64

	buffer   []Subject
	pos      int
	nextPage int
	done     bool
	err      error
}

func (it *SubjectIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos < len(it.buffer) {
		return true
	}
	if it.done {
		return false
	}
	if err := it.fetchPage(); err != nil {
		it.err = err
		return false
	}
	return it.pos < len(it.buffer)
}

// Subject returns the current subject and advances the iterator.
func (it *SubjectIterator) Subject() Subject {
	s := it.buffer[it.pos]
	it.pos++
	return s
}

func (it *SubjectIterator) Err() error { return it.err }

func (it *SubjectIterator) fetchPage() error {
	endpoint := fmt.Sprintf("%s/subjects?subject_set_id=%d&page=%d&page_size=%d",
		it.client.baseURL, it.subjectSetID, it.nextPage, it.client.pageSize)

	var doc subjectsDoc
	if err := it.client.get(it.ctx, it.accessToken, endpoint, &doc); err != nil {
		return err
	}

	it.buffer = it.buffer[:0]
	it.pos = 0
	for _, raw := range doc.Subjects {
		id, err := parseID(raw.ID)
		if err != nil {
			return fmt.Errorf("subject set %d: %w", it.subjectSetID, err)
		}
		it.buffer = append(it.buffer, Subject{ID: id, Locations: raw.Locations})
	}

	if doc.Meta.Subjects.NextPage == nil {
		it.done = true
	} else {
		it.nextPage = *doc.Meta.Subjects.NextPage
	}
	return nil
}

func (c *PanoptesClient) get(ctx context.Context, accessToken, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.api+json; version=1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapUpstreamError(err, "catalog request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, "catalog"); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return apperrors.WrapUpstreamError(err, "failed to decode catalog response from %s", endpoint)
	}
	return nil
}

// checkResponse maps HTTP failure classes onto the error taxonomy.
func checkResponse(resp *http.Response, service string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.NewAuthError("%s rejected credential: %s", service, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFoundError("%s resource not found: %s", service, resp.Request.URL)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.NewUpstreamError(resp.StatusCode, "%s returned %s: %s", service, resp.Status, body)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id %q", raw)
	}
	return id, nil
}
