package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/service"
)

// HandleServiceError 把 Service 层的业务错误映射为 HTTP 响应。
func HandleServiceError(c *gin.Context, err error) {
	if ce, ok := service.AsConflict(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   service.ErrVersionConflict.Error(),
			"current": ce.Current,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrRegistrationFailed):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidMutation):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, service.ErrTaskNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	default:
		// Log the internal error for debugging
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
