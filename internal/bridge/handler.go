package bridge

import (
	"io"
	"net/http"
	"strconv"
	"time"

	apphttp "chatbridge_backend/internal/http"
	"chatbridge_backend/internal/http/middleware"
	"chatbridge_backend/internal/http/response"
	"chatbridge_backend/internal/http/stream"
	"chatbridge_backend/platform/logger"
	"chatbridge_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Handler exposes tenant operations over HTTP.
type Handler struct {
	svc      *Service
	hub      *stream.Hub
	validate *validator.Validator
	log      *logger.Logger
}

func NewHandler(svc *Service, hub *stream.Hub, log *logger.Logger) *Handler {
	return &Handler{
		svc:      svc,
		hub:      hub,
		validate: validator.New(),
		log:      log,
	}
}

func (h *Handler) Name() string { return "bridge" }

func (h *Handler) RegisterRoutes(ctx *apphttp.RouterContext) {
	g := ctx.V1.Group("/tenants/:tenantId")

	g.POST("/start", h.start)
	g.GET("/status", h.status)
	g.GET("/qr.png", h.qrImage)
	g.POST("/pause", h.pause)
	g.POST("/resume", h.resume)
	g.POST("/reconnect", h.reconnect)
	g.POST("/logout", h.logout)

	// Manual sends are rate limited: they share the tenant's send budget
	// with the auto-reply queue.
	g.POST("/messages", middleware.RateLimit(rate.Limit(1), 5, h.log), h.send)

	g.GET("/contacts", h.contacts)
	g.GET("/contacts/:contactId/messages", h.messages)
	g.GET("/events", h.events)
}

func (h *Handler) tenantID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid tenant id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) start(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	if err := h.svc.StartTenant(tenantID); err != nil {
		response.FromError(c, err)
		return
	}
	st, err := h.svc.Status(tenantID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, st)
}

func (h *Handler) status(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(tenantID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{
		"connection":      st,
		"autoReplyPaused": h.svc.IsPaused(tenantID),
	})
}

func (h *Handler) qrImage(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	size := 256
	if s := c.Query("size"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 64 && n <= 1024 {
			size = n
		}
	}
	png, err := h.svc.QRImagePNG(tenantID, size)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if len(png) == 0 {
		response.Error(c, http.StatusNotFound, "no QR code awaiting scan", nil)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) pause(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	if err := h.svc.Pause(tenantID); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"paused": true})
}

func (h *Handler) resume(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	if err := h.svc.Resume(tenantID); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"paused": false})
}

func (h *Handler) reconnect(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	if err := h.svc.Reconnect(tenantID); err != nil {
		response.FromError(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"status": "reconnecting"})
}

func (h *Handler) logout(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	if err := h.svc.Logout(c.Request.Context(), tenantID); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"status": "logged_out"})
}

type sendMessageRequest struct {
	Address   string     `json:"address" validate:"required,min=5,max=32"`
	Body      string     `json:"body" validate:"required,min=1,max=4096"`
	ContactID *uuid.UUID `json:"contactId,omitempty"`
}

func (h *Handler) send(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), tenantID, req.Address, req.Body, req.ContactID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, msg)
}

func (h *Handler) contacts(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	items, err := h.svc.Contacts(c.Request.Context(), tenantID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"contacts": items})
}

func (h *Handler) messages(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	contactID, err := uuid.Parse(c.Param("contactId"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid contact id", nil)
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := h.svc.Messages(c.Request.Context(), tenantID, contactID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"messages": items})
}

// events streams tenant events as SSE until the client disconnects.
func (h *Handler) events(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	ch, cancel := h.hub.Subscribe(tenantID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case env, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(env.Name, env.Event)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

var _ apphttp.Module = (*Handler)(nil)
