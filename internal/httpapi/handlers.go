package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"campus-calls/internal/audit"
	"campus-calls/internal/auth"
	"campus-calls/internal/calls"
	"campus-calls/internal/dispatch"
	"campus-calls/internal/rbac"
	"campus-calls/internal/realtime"
	"campus-calls/internal/recording"
	"campus-calls/internal/reporting"
	"campus-calls/internal/signaling"
	"campus-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Calls    *calls.Service
	Signals  *signaling.Transport
	Bus      realtime.Bus
	Dispatch *dispatch.Engine
	Reports  *reporting.Service
	Audit    *audit.Service
	Blobs    recording.BlobStore
	Log      *slog.Logger

	// DevLogin enables token issuance without credentials. Never set in production.
	DevLogin bool
	// MaxRecordingBytes bounds recording uploads; zero means 32 MiB.
	MaxRecordingBytes int64
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

// logger prefers the request-scoped logger so lines carry request_id.
func (h Handlers) logger(c *gin.Context) *slog.Logger {
	if _, ok := c.Get("logger"); ok {
		return logger.FromGin(c)
	}
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// ClientIP copies the request's client address into the request context so
// audit records can pick it up.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// RegisterResponders makes every responder who reaches the API known to
// dispatch, so they ring without first saving settings. A failed write is
// logged and the request continues; the next request retries.
func (h Handlers) RegisterResponders() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Dispatch != nil {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			if uid != "" && rbac.IsResponder(role) {
				if err := h.Dispatch.Register(c.Request.Context(), uid); err != nil {
					h.logger(c).Warn("register responder failed", "responder_id", uid, "err", err)
				}
			}
		}
		c.Next()
	}
}

type identity struct {
	UserID string
	Role   string
}

func (i identity) responder() bool { return rbac.IsResponder(i.Role) }

func callerIdentity(c *gin.Context) (identity, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return identity{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	return identity{UserID: uid, Role: role}, true
}

// fail maps service errors to HTTP responses. Unknown errors are logged and
// reported as 500 without detail.
func (h Handlers) fail(c *gin.Context, op string, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, calls.ErrNotFound):
		status, msg = http.StatusNotFound, "call not found"
	case errors.Is(err, calls.ErrAlreadyAnswered):
		status, msg = http.StatusConflict, calls.ErrAlreadyAnswered.Error()
	case errors.Is(err, calls.ErrInvalidTransition):
		status, msg = http.StatusConflict, "call is not in a state that allows this"
	case errors.Is(err, calls.ErrVoiceNoteExists):
		status, msg = http.StatusConflict, "recording already attached"
	case errors.Is(err, calls.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, signaling.ErrInvalidSignal),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, recording.ErrInvalidKey):
		status, msg = http.StatusBadRequest, err.Error()
	}

	log := h.logger(c).With("op", op, "kind", calls.ErrorKind(err))
	if status == http.StatusInternalServerError {
		log.Error("request failed", "err", err)
	} else {
		log.Debug("request rejected", "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Development only. Credentials are not checked; the campus identity
// provider issues tokens in production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.ValidRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		h.fail(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role})
}

// --- Responder settings ---

type settingsRequest struct {
	DNDMode *bool `json:"dnd_mode"`
}

func (h Handlers) GetMySettings(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	s, err := h.Dispatch.Settings(c.Request.Context(), id.UserID)
	if err != nil {
		h.fail(c, "get_settings", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) PutMySettings(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DNDMode == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "dnd_mode required"})
		return
	}
	s, err := h.Dispatch.SetDND(c.Request.Context(), id.UserID, *req.DNDMode)
	if err != nil {
		h.fail(c, "put_settings", err)
		return
	}
	c.JSON(http.StatusOK, s)
}
