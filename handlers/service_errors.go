package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/vc-policy-gateway/services"
	"github.com/upb/vc-policy-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case services.IsNotFoundError(err), services.IsPolicyUnitNotFound(err):
		writeErr = utils.WriteNotFound(w, err.Error())

	case services.IsValidationError(err),
		services.IsCredentialMalformed(err),
		services.GetErrorType(err) == services.ErrorTypeRequestMalformed:
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	case services.IsPolicyTimeout(err):
		logger.Warn("policy evaluation timed out", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "Policy evaluation timed out")

	case services.IsPolicyUnitFault(err), services.GetErrorType(err) == services.ErrorTypeInternal:
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var ve *utils.ValidationError
	if errors.As(err, &ve) {
		if err := utils.WriteBadRequest(w, "Validation failed", ve.Details()); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
