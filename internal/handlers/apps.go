package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"pushi/internal/broker"
	"pushi/internal/models"
	"pushi/internal/repository"
)

// HandleCreateApp mints a new app. The generated key and secret are
// returned exactly once; VAPID keys are generated when the request does
// not bring its own.
func (h *Handlers) HandleCreateApp(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		SMTPURL    string `json:"smtp_url"`
		APNKey     string `json:"apn_key"`
		APNCer     string `json:"apn_cer"`
		VapidKey   string `json:"vapid_key"`
		VapidPub   string `json:"vapid_pub"`
		VapidEmail string `json:"vapid_email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "App name required"})
		return
	}

	app := models.NewApp(req.Name)
	app.SMTPURL = req.SMTPURL
	app.APNKey = req.APNKey
	app.APNCer = req.APNCer
	app.VapidKey = req.VapidKey
	app.VapidPub = req.VapidPub
	app.VapidEmail = req.VapidEmail

	if app.VapidKey == "" {
		private, public, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			h.logger.WithError(err).Error("Failed to generate VAPID keys")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create app"})
			return
		}
		app.VapidKey = private
		app.VapidPub = public
	}

	if err := h.repo.CreateApp(c.Request.Context(), app); err != nil {
		h.logger.WithError(err).Error("Failed to create app")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create app"})
		return
	}
	h.broker.RegisterApp(app)

	c.JSON(http.StatusCreated, app)
}

// HandleListApps returns every app without secrets.
func (h *Handlers) HandleListApps(c *gin.Context) {
	apps, err := h.repo.ListApps(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list apps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list apps"})
		return
	}
	out := make([]models.App, 0, len(apps))
	for _, app := range apps {
		out = append(out, app.Public())
	}
	c.JSON(http.StatusOK, out)
}

// HandleShowApp returns one app without its secret. The reserved path
// segment "vapid_key" instead returns the VAPID public key of the
// authenticated app.
func (h *Handlers) HandleShowApp(c *gin.Context) {
	appID := c.Param("app_id")
	if appID == "vapid_key" {
		h.handleVapidKey(c)
		return
	}
	if !h.authorizeApp(c, appID) {
		return
	}

	app, err := h.repo.AppByID(c.Request.Context(), appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "App not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to load app")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load app"})
		return
	}
	c.JSON(http.StatusOK, app.Public())
}

func (h *Handlers) handleVapidKey(c *gin.Context) {
	appID := c.GetString(ctxAppID)
	if appID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "App credentials required"})
		return
	}
	app, err := h.broker.AppByID(appID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "App not found"})
		return
	}
	if app.VapidPub == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "App has no VAPID keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vapid_key": app.VapidPub})
}

// HandleUpdateApp updates the non-identity fields of an app. Key and
// secret never change.
func (h *Handlers) HandleUpdateApp(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}

	app, err := h.repo.AppByID(c.Request.Context(), appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "App not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to load app")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load app"})
		return
	}

	var req struct {
		Name       *string `json:"name"`
		SMTPURL    *string `json:"smtp_url"`
		APNKey     *string `json:"apn_key"`
		APNCer     *string `json:"apn_cer"`
		VapidKey   *string `json:"vapid_key"`
		VapidPub   *string `json:"vapid_pub"`
		VapidEmail *string `json:"vapid_email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed request"})
		return
	}
	if req.Name != nil {
		app.Name = *req.Name
	}
	if req.SMTPURL != nil {
		app.SMTPURL = *req.SMTPURL
	}
	if req.APNKey != nil {
		app.APNKey = *req.APNKey
	}
	if req.APNCer != nil {
		app.APNCer = *req.APNCer
	}
	if req.VapidKey != nil {
		app.VapidKey = *req.VapidKey
	}
	if req.VapidPub != nil {
		app.VapidPub = *req.VapidPub
	}
	if req.VapidEmail != nil {
		app.VapidEmail = *req.VapidEmail
	}

	if err := h.repo.UpdateApp(c.Request.Context(), app); err != nil {
		h.logger.WithError(err).Error("Failed to update app")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update app"})
		return
	}
	h.broker.RegisterApp(app)

	// Certificates may have changed; drop any cached APN client.
	if a, ok := h.adapters["apn"].(interface{ Invalidate(string) }); ok {
		a.Invalidate(appID)
	}

	c.JSON(http.StatusOK, app.Public())
}

// HandlePing publishes a ping event on the ping channel, a cheap
// end-to-end check of the fan-out path.
func (h *Handlers) HandlePing(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}

	data := map[string]interface{}{"timestamp": time.Now().Unix()}
	err := h.broker.Trigger(c.Request.Context(), appID, "ping", data, []string{"ping"}, broker.TriggerOptions{
		Source: "http",
	})
	if err != nil {
		h.publishError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandlePublish accepts an event for fan-out on one or more channels.
func (h *Handlers) HandlePublish(c *gin.Context) {
	appID := c.Param("app_id")
	if !h.authorizeApp(c, appID) {
		return
	}

	var req struct {
		Event    string          `json:"event" binding:"required"`
		Data     json.RawMessage `json:"data"`
		Channels []string        `json:"channels"`
		Channel  string          `json:"channel"`
		SocketID string          `json:"socket_id"`
		Persist  *bool           `json:"persist"`
		Echo     bool            `json:"echo"`
		Subject  string          `json:"subject"`
		Body     string          `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event name required"})
		return
	}

	channels := req.Channels
	if len(channels) == 0 && req.Channel != "" {
		channels = []string{req.Channel}
	}

	var extras map[string]interface{}
	if req.Subject != "" || req.Body != "" {
		extras = map[string]interface{}{}
		if req.Subject != "" {
			extras["subject"] = req.Subject
		}
		if req.Body != "" {
			extras["body"] = req.Body
		}
	}

	err := h.broker.Trigger(c.Request.Context(), appID, req.Event, req.Data, channels, broker.TriggerOptions{
		OwnerID: req.SocketID,
		Persist: req.Persist,
		Echo:    req.Echo,
		Extras:  extras,
		Source:  "http",
	})
	if err != nil {
		h.publishError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) publishError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broker.ErrProtocol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrAuth):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Publish failed"})
	}
}
