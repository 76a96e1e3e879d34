package model

import "time"

// ExportJob is one user-triggered export. The three kinds share a single
// record shape and differ only in target reference and output fields.
type ExportJob struct {
	ID       int64   `json:"id"`
	Kind     JobKind `json:"kind"`
	TargetID int64   `json:"targetId"`
	Status   Status  `json:"status"`

	// TaskID references the background task currently driving this job,
	// used to reconcile against the queue's result backend.
	TaskID string `json:"-"`

	// Workflow exports only.
	StoragePrefix string `json:"storagePrefix,omitempty"`

	// ML subject-assistant exports only.
	Backend     string `json:"backend,omitempty"`
	ManifestURL string `json:"manifestUrl,omitempty"`
	MLJobID     string `json:"mlJobId,omitempty"`
	MLJobURL    string `json:"mlJobUrl,omitempty"`

	// Output artifact, set once on completion.
	ArtifactName string `json:"artifactName,omitempty"`
	ArtifactURL  string `json:"artifactUrl,omitempty"`

	Created  time.Time `json:"createdAt"`
	Modified time.Time `json:"modifiedAt"`
}

// MediaMetadata tracks the fetch outcome for one media URL within a
// subject-set export. Its owning job is immutable once created.
type MediaMetadata struct {
	ID        int64  `json:"id"`
	ExportID  int64  `json:"exportId"`
	SubjectID int64  `json:"subjectId"`
	URL       string `json:"url"`
	Status    Status `json:"status"`
	TaskID    string `json:"-"`

	// Filesize and Hash are set together, exactly once, when the fetch
	// completes. Hash is the base64-encoded MD5 digest of the body.
	Filesize *int64  `json:"filesize,omitempty"`
	Hash     *string `json:"hash,omitempty"`

	Created  time.Time `json:"createdAt"`
	Modified time.Time `json:"modifiedAt"`
}

// MediaRef is a distinct (subject, url) pair known from prior fetches.
type MediaRef struct {
	SubjectID int64
	URL       string
}

// WorkflowExportRequest is the body for POST /api/exports/workflows/:id.
type WorkflowExportRequest struct {
	StoragePrefix string `json:"storagePrefix" validate:"required,min=1,max=222,excludesall= "`
}

// AssistantExportRequest is the body for POST /api/exports/subject-assistant/:id.
type AssistantExportRequest struct {
	Backend string `json:"backend" validate:"omitempty,oneof=cameratraps kade"`
}

// StartExportResponse is returned by all trigger endpoints.
type StartExportResponse struct {
	JobID  int64   `json:"jobId"`
	Kind   JobKind `json:"kind"`
	Status Status  `json:"status"`
}
