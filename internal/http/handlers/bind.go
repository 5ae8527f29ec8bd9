package handlers

import (
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 16 << 10

var bindingOnce sync.Once

// configureBinding makes ShouldBindJSON reject unknown fields and name
// failing fields by their JSON keys.
func configureBinding() {
	bindingOnce.Do(func() {
		binding.EnableDecoderDisallowUnknownFields = true
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(func(f reflect.StructField) string {
				name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})
}

// bindJSON binds a size-capped JSON body into v. On failure it has already
// written the 400 and returns false.
func (h *Handler) bindJSON(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}

	var (
		fieldErrs validator.ValidationErrors
		tooLarge  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &fieldErrs) && len(fieldErrs) > 0:
		fe := fieldErrs[0]
		h.badRequest(c, fe.Field(), fieldReason(fe), nil)
	case errors.As(err, &tooLarge):
		h.badRequest(c, "body", "request body too large", nil)
	case errors.Is(err, io.EOF):
		h.badRequest(c, "body", "request body is empty", nil)
	default:
		h.badRequest(c, "body", err.Error(), nil)
	}
	return false
}

func fieldReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "is too long"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
