package handler

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/middleware"
	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/service"
	"github.com/hamlet/api/pkg/response"
)

type ExportHandler struct {
	service   *service.ExportService
	validator *validator.Validate
}

func NewExportHandler(svc *service.ExportService, v *validator.Validate) *ExportHandler {
	return &ExportHandler{
		service:   svc,
		validator: v,
	}
}

// StartSubjectSet handles POST /api/exports/subject-sets/:id
func (h *ExportHandler) StartSubjectSet(c *fiber.Ctx) error {
	subjectSetID, err := pathID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid subject set id", nil)
	}

	job, err := h.service.StartSubjectSetExport(c.Context(), subjectSetID, middleware.GetAccessToken(c))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, startedResponse(job))
}

// StartWorkflow handles POST /api/exports/workflows/:id
func (h *ExportHandler) StartWorkflow(c *fiber.Ctx) error {
	workflowID, err := pathID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid workflow id", nil)
	}

	var req model.WorkflowExportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.StartWorkflowExport(c.Context(), workflowID, middleware.GetAccessToken(c), req.StoragePrefix)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, startedResponse(job))
}

// StartAssistant handles POST /api/exports/subject-assistant/:id
func (h *ExportHandler) StartAssistant(c *fiber.Ctx) error {
	subjectSetID, err := pathID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid subject set id", nil)
	}

	var req model.AssistantExportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.StartAssistantExport(c.Context(), subjectSetID, middleware.GetAccessToken(c), req.Backend)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, startedResponse(job))
}

// Get handles GET /api/exports/:id
func (h *ExportHandler) Get(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid export id", nil)
	}

	job, err := h.service.GetExport(c.Context(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, job)
}

// ListSubjectSet handles GET /api/exports/subject-sets/:id
func (h *ExportHandler) ListSubjectSet(c *fiber.Ctx) error {
	return h.list(c, model.KindSubjectSet)
}

// ListWorkflow handles GET /api/exports/workflows/:id
func (h *ExportHandler) ListWorkflow(c *fiber.Ctx) error {
	return h.list(c, model.KindWorkflow)
}

// ListAssistant handles GET /api/exports/subject-assistant/:id
func (h *ExportHandler) ListAssistant(c *fiber.Ctx) error {
	return h.list(c, model.KindMLSubjectAssistant)
}

func (h *ExportHandler) list(c *fiber.Ctx, kind model.JobKind) error {
	targetID, err := pathID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid target id", nil)
	}

	jobs, err := h.service.ListExports(c.Context(), kind, targetID)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, jobs)
}

func pathID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func startedResponse(job *model.ExportJob) model.StartExportResponse {
	return model.StartExportResponse{
		JobID:  job.ID,
		Kind:   job.Kind,
		Status: job.Status,
	}
}

// serviceError maps the error taxonomy onto HTTP statuses.
func serviceError(c *fiber.Ctx, err error) error {
	var authErr *apperrors.AuthError
	if errors.As(err, &authErr) {
		return response.Forbidden(c, authErr.Error())
	}
	var notFound *apperrors.NotFoundError
	if errors.As(err, &notFound) {
		return response.NotFound(c, notFound.Error())
	}
	var upstream *apperrors.UpstreamError
	if errors.As(err, &upstream) {
		return response.UpstreamError(c, upstream.Error())
	}
	return response.ServiceError(c, err.Error())
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
