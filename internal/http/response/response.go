package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondDomainError maps sentinel errors onto HTTP statuses so
// handlers don't repeat the classification.
func RespondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		RespondError(c, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, pkgerrors.ErrAlreadyResponded):
		RespondError(c, http.StatusConflict, "already_responded", err)
	case errors.Is(err, pkgerrors.ErrMisconfigured):
		RespondError(c, http.StatusInternalServerError, "misconfigured", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
