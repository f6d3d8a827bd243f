package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eldorplus/pki/internal/application/dto"
	"github.com/eldorplus/pki/internal/application/enrollment"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/interfaces/http/middleware"
	"github.com/eldorplus/pki/pkg/logger"
)

// CAHandler serves enrollment and certificate status requests.
type CAHandler struct {
	proc *enrollment.Processor
	log  logger.Logger
}

// NewCAHandler creates a CAHandler.
func NewCAHandler(p *enrollment.Processor, log logger.Logger) *CAHandler {
	return &CAHandler{proc: p, log: log.WithComponent("CAHandler")}
}

// RegisterPublic mounts the end-entity routes. The processor authenticates
// the submission itself through the profile's manager.
func (h *CAHandler) RegisterPublic(g *gin.RouterGroup) {
	g.POST("/enroll", h.Enroll)
}

// RegisterAgent mounts the agent routes on an authenticating group.
func (h *CAHandler) RegisterAgent(g *gin.RouterGroup) {
	g.POST("/requests/:id/approve", h.Approve)
	g.POST("/requests/:id/reject", h.Reject)
	g.POST("/requests/:id/cancel", h.Cancel)
	g.POST("/renew", h.Renew)
	g.POST("/revoke", h.Revoke)
	g.POST("/unrevoke", h.Unrevoke)
}

// Enroll always answers 200 once the submission was decoded: per-request
// outcomes are reported in the body.
func (h *CAHandler) Enroll(c *gin.Context) {
	var in dto.EnrollRequest
	if !bind(c, &in) {
		return
	}
	res, err := h.proc.Submit(c.Request.Context(), in.ToSubmission(middleware.CredentialsFrom(c)))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromEnrollResult(res))
}

func (h *CAHandler) Approve(c *gin.Context) {
	req, err := h.proc.Approve(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *CAHandler) Reject(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		return
	}
	req, err := h.proc.Reject(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")), reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *CAHandler) Cancel(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		return
	}
	req, err := h.proc.Cancel(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")), reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *CAHandler) Renew(c *gin.Context) {
	var in dto.RenewRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.proc.Renew(c.Request.Context(), middleware.TokenFrom(c), in.Serial, in.ProfileID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *CAHandler) Revoke(c *gin.Context) {
	var in dto.RevokeRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.proc.Revoke(c.Request.Context(), middleware.TokenFrom(c), in.Serials, in.Reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *CAHandler) Unrevoke(c *gin.Context) {
	var in dto.RevokeRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.proc.Unrevoke(c.Request.Context(), middleware.TokenFrom(c), in.Serials)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}
