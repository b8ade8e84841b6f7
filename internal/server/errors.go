package server

import (
	"errors"
	"net/http"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Field   string          `json:"field,omitempty"`
	Entity  *records.Entity `json:"entity,omitempty"`
}

// writeError maps service errors onto the protocol: clients branch on the code only.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var (
		conflict     *records.ConflictError
		validation   *records.ValidationError
		serviceError *records.ServiceError
	)
	switch {
	case errors.As(err, &conflict):
		current := conflict.Current
		c.JSON(http.StatusConflict, errorPayload{
			Error:   "edit_conflict",
			Code:    records.CodeEditConflict,
			Message: "the entity was modified after it was loaded",
			Entity:  &current,
		})
	case errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, errorPayload{
			Error:   "not_found",
			Code:    records.CodeNotFound,
			Message: "the entity no longer exists",
		})
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, errorPayload{
			Error:   "validation_failed",
			Code:    records.CodeValidation,
			Message: validation.Error(),
			Field:   validation.Field,
		})
	case errors.As(err, &serviceError):
		h.logger.Error("request failed", zap.String("code", serviceError.Code()), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, errorPayload{
			Error:   "internal_error",
			Code:    serviceError.Code(),
			Message: "internal error",
		})
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, errorPayload{
			Error:   "internal_error",
			Code:    codeInternal,
			Message: "internal error",
		})
	}
}

func (h *httpHandler) writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorPayload{
		Error:   errorInvalidRequest,
		Code:    records.CodeValidation,
		Message: message,
	})
}
