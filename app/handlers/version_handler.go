// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/oroshi/shopver/app/dto"
	businessflow "github.com/oroshi/shopver/business_flow"
	"github.com/oroshi/shopver/utils"
)

// VersionHandlerInterface defines the contract for version endpoint handlers.
type VersionHandlerInterface interface {
	Bump(c fiber.Ctx) error
	GlobalVersion(c fiber.Ctx) error
	Stats(c fiber.Ctx) error
	InitDefaults(c fiber.Ctx) error
	Validate(c fiber.Ctx) error
	ClearAll(c fiber.Ctx) error
	Metrics(c fiber.Ctx) error
	Incidents(c fiber.Ctx) error
	Benchmark(c fiber.Ctx) error
}

// VersionHandler handles version ledger requests.
type VersionHandler struct {
	flow      businessflow.VersionFlow
	audit     businessflow.AuditFlow
	monitor   businessflow.OperationsMonitor
	validator *validator.Validate
}

// NewVersionHandler creates a new version handler.
func NewVersionHandler(flow businessflow.VersionFlow, audit businessflow.AuditFlow, monitor businessflow.OperationsMonitor) *VersionHandler {
	return &VersionHandler{
		flow:      flow,
		audit:     audit,
		monitor:   monitor,
		validator: validator.New(),
	}
}

func (h *VersionHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *VersionHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Bump advances the version of one or more data types.
func (h *VersionHandler) Bump(c fiber.Ctx) error {
	var req dto.BumpVersionsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, e := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(e))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	res, err := h.flow.Bump(h.createRequestContext(c, "/api/v1/versions/bump"), req.DataTypes)
	if err != nil {
		if be, ok := err.(*businessflow.BusinessError); ok {
			switch be.Code {
			case "NO_DATA_TYPES":
				return h.ErrorResponse(c, fiber.StatusBadRequest, "No data types provided", be.Code, be.Error())
			case "VERSION_UPSERT_FAILED":
				return h.ErrorResponse(c, fiber.StatusInternalServerError, "Version update failed", be.Code, be.Error())
			}
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to bump versions", "VERSION_BUMP_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Versions bumped successfully", res)
}

// GlobalVersion returns the single token summarizing the ledger.
func (h *VersionHandler) GlobalVersion(c fiber.Ctx) error {
	token, err := h.flow.GlobalVersion(h.createRequestContext(c, "/api/v1/versions/global"))
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve global version", "GLOBAL_VERSION_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Global version retrieved", dto.GlobalVersionResponse{Version: token})
}

// Stats returns the per-type dashboard projection.
func (h *VersionHandler) Stats(c fiber.Ctx) error {
	res, err := h.flow.Stats(h.createRequestContext(c, "/api/v1/versions"))
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load version stats", "VERSION_STATS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Version stats retrieved", res)
}

// InitDefaults seeds a ledger record for every configured data type.
func (h *VersionHandler) InitDefaults(c fiber.Ctx) error {
	res, err := h.flow.InitDefaults(h.createRequestContext(c, "/api/v1/admin/versions/init"))
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to initialize versions", "VERSION_INIT_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Default versions initialized", res)
}

// Validate runs the consistency audit and repairs what it finds.
func (h *VersionHandler) Validate(c fiber.Ctx) error {
	res, err := h.audit.ValidateAndRepair(h.createRequestContextWithTimeout(c, "/api/v1/admin/versions/validate", 60*time.Second))
	if err != nil {
		if be, ok := err.(*businessflow.BusinessError); ok {
			switch be.Code {
			case "VALIDATION_LOCK_BUSY":
				return h.ErrorResponse(c, fiber.StatusConflict, "Validation already in progress", be.Code, be.Error())
			case "VALIDATION_REPAIR_FAILED":
				return h.ErrorResponse(c, fiber.StatusInternalServerError, "Repair failed", be.Code, be.Error())
			}
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Validation failed", "VALIDATION_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Validation completed", res)
}

// ClearAll truncates the ledger and purges derived caches.
func (h *VersionHandler) ClearAll(c fiber.Ctx) error {
	if err := h.flow.ClearAll(h.createRequestContext(c, "/api/v1/admin/versions")); err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to clear versions", "VERSION_CLEAR_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Version ledger cleared", nil)
}

// Metrics returns the invalidation monitor aggregate.
func (h *VersionHandler) Metrics(c fiber.Ctx) error {
	res, err := h.monitor.Metrics(h.createRequestContext(c, "/api/v1/admin/metrics"))
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load metrics", "METRICS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Metrics retrieved", res)
}

// Incidents lists recent emergency actions taken by the monitor.
func (h *VersionHandler) Incidents(c fiber.Ctx) error {
	hours := fiber.Query(c, "hours", 24)
	if hours < 1 || hours > 168 {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "hours must be between 1 and 168", "INVALID_REQUEST", nil)
	}
	res, err := h.monitor.RecentIncidents(h.createRequestContext(c, "/api/v1/admin/incidents"), hours)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load incidents", "INCIDENTS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Incidents retrieved", res)
}

// Benchmark compares cached global-version reads against recomputation.
func (h *VersionHandler) Benchmark(c fiber.Ctx) error {
	iterations := fiber.Query(c, "iterations", 100)
	if iterations < 1 || iterations > 10000 {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "iterations must be between 1 and 10000", "INVALID_REQUEST", strconv.Itoa(iterations))
	}
	res, err := h.flow.Benchmark(h.createRequestContextWithTimeout(c, "/api/v1/admin/benchmark", 120*time.Second), iterations)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Benchmark failed", "BENCHMARK_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Benchmark completed", res)
}

func (h *VersionHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	return h.createRequestContextWithTimeout(c, endpoint, 30*time.Second)
}

func (h *VersionHandler) createRequestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.CancelFuncKey, cancel)
	return ctx
}
