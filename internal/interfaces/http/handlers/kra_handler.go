// Package handlers implements the REST endpoints of the KRA and CA front ends.
// Package handlers 实现 KRA 与 CA 前端的 REST 接口。
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eldorplus/pki/internal/application/dto"
	"github.com/eldorplus/pki/internal/application/kra"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/interfaces/http/middleware"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
	"github.com/eldorplus/pki/pkg/utils"
)

const (
	defaultListSize = 100
	maxListSize     = 1000
	listTimeout     = 10 * time.Second
)

// KRAHandler serves key archival, recovery and generation requests.
type KRAHandler struct {
	kra *kra.KeyRequests
	log logger.Logger
}

// NewKRAHandler creates a KRAHandler.
func NewKRAHandler(k *kra.KeyRequests, log logger.Logger) *KRAHandler {
	return &KRAHandler{kra: k, log: log.WithComponent("KRAHandler")}
}

// Register mounts the KRA routes on g. g must already authenticate.
func (h *KRAHandler) Register(g *gin.RouterGroup) {
	g.POST("/requests/archival", h.Archive)
	g.POST("/requests/recovery", h.Recover)
	g.POST("/requests/symkey", h.GenerateSymKey)
	g.POST("/requests/asymkey", h.GenerateAsymKey)
	g.GET("/requests", h.List)
	g.GET("/requests/:id", h.Get)
	g.POST("/requests/:id/approve", h.Approve)
	g.POST("/requests/:id/reject", h.Reject)
	g.POST("/requests/:id/cancel", h.Cancel)
	g.GET("/recovered/:id", h.Recovered)
}

func (h *KRAHandler) Archive(c *gin.Context) {
	var in dto.ArchivalRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.kra.SubmitArchival(c.Request.Context(), middleware.TokenFrom(c), in.ToKRA())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromRequest(req))
}

func (h *KRAHandler) Recover(c *gin.Context) {
	var in dto.RecoveryRequest
	if !bind(c, &in) {
		return
	}
	out, err := h.kra.SubmitRecovery(c.Request.Context(), middleware.TokenFrom(c), in.ToKRA())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	status := http.StatusOK
	if len(out.Data) == 0 {
		// Waiting for more recovery agents.
		status = http.StatusAccepted
	}
	c.JSON(status, dto.FromRecovered(out))
}

func (h *KRAHandler) GenerateSymKey(c *gin.Context) {
	var in dto.KeyGenRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.kra.SubmitSymKeyGen(c.Request.Context(), middleware.TokenFrom(c), in.ToKRA())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromRequest(req))
}

func (h *KRAHandler) GenerateAsymKey(c *gin.Context) {
	var in dto.KeyGenRequest
	if !bind(c, &in) {
		return
	}
	req, err := h.kra.SubmitAsymKeyGen(c.Request.Context(), middleware.TokenFrom(c), in.ToKRA())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromRequest(req))
}

func (h *KRAHandler) Get(c *gin.Context) {
	req, err := h.kra.GetRequest(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

// List searches KRA requests. Query parameters: type, status, realm,
// client_key_id and size.
func (h *KRAHandler) List(c *gin.Context) {
	size := defaultListSize
	if s := c.Query("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			middleware.Abort(c, errors.ErrBadRequest("invalid size "+s))
			return
		}
		size = min(n, maxListSize)
	}
	filter := models.RequestFilter{
		Type:        constants.RequestType(c.Query("type")),
		Status:      constants.RequestStatus(c.Query("status")),
		Realm:       c.Query("realm"),
		ClientKeyID: c.Query("client_key_id"),
	}
	reqs, err := h.kra.ListRequests(c.Request.Context(), middleware.TokenFrom(c), filter, size, listTimeout)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": dto.FromRequests(reqs)})
}

func (h *KRAHandler) Approve(c *gin.Context) {
	req, err := h.kra.Approve(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *KRAHandler) Reject(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		return
	}
	req, err := h.kra.Reject(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")), reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

func (h *KRAHandler) Cancel(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		return
	}
	req, err := h.kra.Cancel(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")), reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRequest(req))
}

// Recovered returns the wrapped secret of a completed recovery once.
func (h *KRAHandler) Recovered(c *gin.Context) {
	out, err := h.kra.RetrieveRecovered(c.Request.Context(), middleware.TokenFrom(c), models.RequestID(c.Param("id")))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRecovered(out))
}

func bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Abort(c, utils.BindingError(err))
		return false
	}
	return true
}

func optionalReason(c *gin.Context) (string, bool) {
	if c.Request.ContentLength == 0 {
		return "", true
	}
	var in dto.ReasonRequest
	if !bind(c, &in) {
		return "", false
	}
	return in.Reason, true
}
