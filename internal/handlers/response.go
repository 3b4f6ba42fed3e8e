package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlascdp/identity-backend/internal/apierr"
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

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps the error taxonomy onto HTTP statuses.
func RespondServiceError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	switch kind {
	case apierr.KindNotFound:
		RespondError(c, http.StatusNotFound, string(kind), err)
	case apierr.KindInvalidArgument, apierr.KindInvalidRule:
		RespondError(c, http.StatusBadRequest, string(kind), err)
	case apierr.KindAlreadyMerged, apierr.KindNotReversible:
		RespondError(c, http.StatusConflict, string(kind), err)
	case apierr.KindBusy:
		RespondError(c, http.StatusServiceUnavailable, string(kind), err)
	default:
		RespondError(c, http.StatusInternalServerError, string(apierr.KindInternal), err)
	}
}
