package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/persistence"
	"github.com/aristath/dreammaker/internal/plans"
	"github.com/aristath/dreammaker/internal/quota"
	"github.com/aristath/dreammaker/internal/scheduler"
)

var (
	errUnauthenticated = errors.New("missing or invalid " + UserHeader + " header")
	errForbidden       = errors.New("not allowed to access this resource")
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// respondError maps err to a status code and writes it as JSON.
func respondError(c *gin.Context, err error) {
	var denied *quota.DeniedError
	switch {
	case errors.As(err, &denied):
		status := http.StatusTooManyRequests
		reason := "daily_limit"
		switch {
		case errors.Is(denied, quota.ErrInsufficientTokens):
			status, reason = http.StatusPaymentRequired, "insufficient_tokens"
		case errors.Is(denied, quota.ErrRateLimited):
			reason = "rate_limited"
			secs := int(math.Ceil(denied.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}
		c.JSON(status, errorResponse{Error: denied.Message, Reason: reason})

	case errors.Is(err, errUnauthenticated):
		c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})

	case errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, plans.ErrUnknownPlan),
		errors.Is(err, plans.ErrUnknownPackage):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, persistence.ErrUserNotFound),
		errors.Is(err, persistence.ErrImageNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})

	case errors.Is(err, persistence.ErrUserExists):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})

	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// badRequest reports a malformed body or parameter.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}
