package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pushi/internal/channel"
	"pushi/internal/models"
	"pushi/pkg/auth"
)

func (h *Handlers) adapter(c *gin.Context) (Adapter, bool) {
	name := c.Param("adapter")
	adapter, ok := h.adapters[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown adapter"})
		return nil, false
	}
	return adapter, true
}

// HandleListSubscriptions returns the adapter's records for the app.
func (h *Handlers) HandleListSubscriptions(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	recs := adapter.List(appID)
	if recs == nil {
		recs = []models.Subscription{}
	}
	c.JSON(http.StatusOK, recs)
}

// HandleSubscribe registers a delivery target with an adapter. Subscribing
// to a restricted event name requires a signed auth token for the socket
// that requested it, unless the caller is an admin.
func (h *Handlers) HandleSubscribe(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	var req struct {
		Target   string            `json:"target" binding:"required"`
		Event    string            `json:"event" binding:"required"`
		Extras   map[string]string `json:"extras"`
		SocketID string            `json:"socket_id"`
		Auth     string            `json:"auth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Target and event required"})
		return
	}

	if channel.IsRestricted(req.Event) && !h.isAdmin(c) {
		app, err := h.broker.AppByID(appID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "App not found"})
			return
		}
		if err := auth.Verify(app.Key, app.Secret, req.SocketID, req.Event, req.Auth); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
	}

	rec := models.Subscription{
		AppID:  appID,
		Target: req.Target,
		Event:  req.Event,
		Extras: req.Extras,
	}
	if err := adapter.Subscribe(c.Request.Context(), rec); err != nil {
		h.logger.WithError(err).Error("Failed to add subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add subscription"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// HandleUnsubscribe removes a delivery target. An empty event removes the
// target from every event it was subscribed to.
func (h *Handlers) HandleUnsubscribe(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	var req struct {
		Target string `json:"target" binding:"required"`
		Event  string `json:"event"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Target required"})
		return
	}

	if err := adapter.Unsubscribe(c.Request.Context(), appID, req.Target, req.Event); err != nil {
		h.logger.WithError(err).Error("Failed to remove subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}

// HandleAddPersonal records a personal alias: events on the named channel
// also deliver under personal-<user_id>.
func (h *Handlers) HandleAddPersonal(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}

	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Event  string `json:"event" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User id and event required"})
		return
	}

	rec := models.Personal{AppID: appID, UserID: req.UserID, Event: req.Event}
	if err := h.repo.AddPersonal(c.Request.Context(), rec); err != nil {
		h.logger.WithError(err).Error("Failed to add personal record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add personal record"})
		return
	}
	h.broker.AddAlias(appID, channel.PersonalPrefix+req.UserID, req.Event)

	c.JSON(http.StatusCreated, gin.H{"status": "linked"})
}

// HandleRemovePersonal drops a personal alias; an empty event unlinks the
// user from every channel.
func (h *Handlers) HandleRemovePersonal(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}

	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Event  string `json:"event"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User id required"})
		return
	}

	if err := h.repo.RemovePersonal(c.Request.Context(), appID, req.UserID, req.Event); err != nil {
		h.logger.WithError(err).Error("Failed to remove personal record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove personal record"})
		return
	}

	personalCh := channel.PersonalPrefix + req.UserID
	if req.Event != "" {
		h.broker.RemoveAlias(appID, personalCh, req.Event)
	} else {
		for _, alias := range h.broker.Aliases(appID, personalCh) {
			h.broker.RemoveAlias(appID, personalCh, alias)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}
