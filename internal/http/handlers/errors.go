package handlers

import (
	"errors"
	"net/http"
	"time"

	"lime_farm/internal/domain"
	"lime_farm/internal/logger"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Kind           domain.Kind `json:"kind"`
	Code           string      `json:"code"`
	Message        string      `json:"message"`
	Field          string      `json:"field,omitempty"`
	NextEligibleAt *time.Time  `json:"next_eligible_at,omitempty"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as the standard error envelope and aborts the chain.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	body := errorBody{Kind: kind, Code: domain.CodeOf(err), Message: err.Error()}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var ac *domain.AlreadyClaimedError
	if errors.As(err, &ac) {
		next := ac.NextEligibleAt
		body.NextEligibleAt = &next
	}

	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"kind", kind,
			"error", err,
		)
		if h.production {
			body.Message = publicMessage(err)
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// publicMessage drops wrapped causes, keeping only the classified message.
func publicMessage(err error) string {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func (h *Handler) badRequest(c *gin.Context, field, reason string, value any) {
	h.fail(c, domain.NewValidationError(field, value, reason))
}

func unauthorized(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorBody{
		Kind:    "unauthorized",
		Code:    code,
		Message: msg,
	}})
}
