package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/auth"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/repository"
	"github.com/example/faceauth/internal/session"
)

// Device is the part of session.Device the control surface drives.
type Device interface {
	State() session.State
	PreEnroll(ctx context.Context, timeout time.Duration) (uint64, error)
	Enroll(ctx context.Context, token []byte, timeout time.Duration, disabled []face.Feature) error
	ProcessEnrollFrame(ctx context.Context, ref face.FrameRef, info []int32, byteInfo []int8) error
	PostEnroll(ctx context.Context) error
	SetFeature(ctx context.Context, feature face.Feature, enabled bool, token []byte, fid uint32) error
	GetFeature(ctx context.Context, feature face.Feature, fid uint32) (bool, error)
	GetAuthenticatorID(ctx context.Context) (uint64, error)
	Cancel(ctx context.Context) error
	Enumerate(ctx context.Context) error
	Remove(ctx context.Context, fid uint32) error
	SetActiveGroup(ctx context.Context, userID int32, storePath string) error
	ActiveGroup() (face.Scope, bool)
	Authenticate(ctx context.Context, operationID uint64) error
	ProcessAuthenticateFrame(ctx context.Context, main, sub face.FrameRef, otp int64, info []int32, byteInfo []int8) error
	UserActivity(ctx context.Context) error
	ResetLockout(ctx context.Context, token []byte) error
}

// AuditLog reads the persisted event history.
type AuditLog interface {
	ListEvents(ctx context.Context, scope face.Scope, limit int) ([]repository.EventLog, error)
}

// API serves the face control surface over HTTP.
type API struct {
	device Device
	hub    *EventHub
	audit  AuditLog
	logger *zap.Logger
}

// NewAPI builds the handlers. audit may be nil when no database is configured.
func NewAPI(device Device, hub *EventHub, audit AuditLog, logger *zap.Logger) *API {
	return &API{device: device, hub: hub, audit: audit, logger: logger.Named("handlers")}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, api *API, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1/face", authMiddleware)

	operator := v1.Group("", auth.RequireRole(auth.RoleOperator))
	operator.GET("/state", api.state)
	operator.POST("/pre-enroll", api.preEnroll)
	operator.POST("/enroll", api.enroll)
	operator.POST("/enroll/frames", api.enrollFrame)
	operator.POST("/post-enroll", api.postEnroll)
	operator.PUT("/features/:feature", api.setFeature)
	operator.GET("/features/:feature", api.getFeature)
	operator.GET("/authenticator-id", api.authenticatorID)
	operator.POST("/cancel", api.cancel)
	operator.POST("/enumerate", api.enumerate)
	operator.DELETE("/templates/:fid", api.remove)
	operator.POST("/authenticate", api.authenticate)
	operator.POST("/authenticate/frames", api.authenticateFrame)
	operator.POST("/user-activity", api.userActivity)
	operator.GET("/events", api.streamEvents)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/active-group", api.setActiveGroup)
	admin.POST("/reset-lockout", api.resetLockout)
	if api.audit != nil {
		admin.GET("/audit", api.listAudit)
	}
}

type preEnrollRequest struct {
	TimeoutSec uint32 `json:"timeout_sec"`
}

type enrollRequest struct {
	Token            []byte   `json:"hat" binding:"required"`
	TimeoutSec       uint32   `json:"timeout_sec"`
	DisabledFeatures []uint32 `json:"disabled_features"`
}

type enrollFrameRequest struct {
	Frame    int64   `json:"frame,string"`
	Info     []int32 `json:"info"`
	ByteInfo []int8  `json:"byte_info"`
}

type featureRequest struct {
	Enabled bool   `json:"enabled"`
	Token   []byte `json:"hat" binding:"required"`
	Fid     uint32 `json:"fid"`
}

type activeGroupRequest struct {
	UserID    int32  `json:"user_id"`
	StorePath string `json:"store_path" binding:"required"`
}

type authenticateRequest struct {
	OperationID uint64 `json:"operation_id,string"`
}

type authenticateFrameRequest struct {
	Main     int64   `json:"main,string"`
	Sub      int64   `json:"sub,string"`
	OTP      int64   `json:"otp,string"`
	Info     []int32 `json:"info"`
	ByteInfo []int8  `json:"byte_info"`
}

type resetLockoutRequest struct {
	Token []byte `json:"hat" binding:"required"`
}

func (a *API) state(c *gin.Context) {
	a.respond(c, nil, gin.H{"state": a.device.State().String()})
}

func (a *API) preEnroll(c *gin.Context) {
	var req preEnrollRequest
	if !a.bind(c, &req) {
		return
	}
	challenge, err := a.device.PreEnroll(c.Request.Context(), seconds(req.TimeoutSec))
	if err != nil {
		a.respond(c, err, nil)
		return
	}
	a.respond(c, nil, gin.H{"challenge": strconv.FormatUint(challenge, 10)})
}

func (a *API) enroll(c *gin.Context) {
	var req enrollRequest
	if !a.bind(c, &req) {
		return
	}
	disabled := make([]face.Feature, 0, len(req.DisabledFeatures))
	for _, f := range req.DisabledFeatures {
		disabled = append(disabled, face.Feature(f))
	}
	a.respond(c, a.device.Enroll(c.Request.Context(), req.Token, seconds(req.TimeoutSec), disabled), nil)
}

func (a *API) enrollFrame(c *gin.Context) {
	var req enrollFrameRequest
	if !a.bind(c, &req) {
		return
	}
	err := a.device.ProcessEnrollFrame(c.Request.Context(), face.FrameRef(req.Frame), req.Info, req.ByteInfo)
	a.respond(c, err, nil)
}

func (a *API) postEnroll(c *gin.Context) {
	a.respond(c, a.device.PostEnroll(c.Request.Context()), nil)
}

func (a *API) setFeature(c *gin.Context) {
	feature, ok := a.featureParam(c)
	if !ok {
		return
	}
	var req featureRequest
	if !a.bind(c, &req) {
		return
	}
	a.respond(c, a.device.SetFeature(c.Request.Context(), feature, req.Enabled, req.Token, req.Fid), nil)
}

func (a *API) getFeature(c *gin.Context) {
	feature, ok := a.featureParam(c)
	if !ok {
		return
	}
	fid, err := parseUint32(c.DefaultQuery("fid", "0"))
	if err != nil {
		a.respond(c, err, nil)
		return
	}
	enabled, err := a.device.GetFeature(c.Request.Context(), feature, fid)
	if err != nil {
		a.respond(c, err, nil)
		return
	}
	a.respond(c, nil, gin.H{"enabled": enabled})
}

func (a *API) authenticatorID(c *gin.Context) {
	id, err := a.device.GetAuthenticatorID(c.Request.Context())
	if err != nil {
		a.respond(c, err, nil)
		return
	}
	a.respond(c, nil, gin.H{"authenticator_id": strconv.FormatUint(id, 10)})
}

func (a *API) cancel(c *gin.Context) {
	a.respond(c, a.device.Cancel(c.Request.Context()), nil)
}

func (a *API) enumerate(c *gin.Context) {
	a.respond(c, a.device.Enumerate(c.Request.Context()), nil)
}

func (a *API) remove(c *gin.Context) {
	fid, err := parseUint32(c.Param("fid"))
	if err != nil {
		a.respond(c, err, nil)
		return
	}
	a.respond(c, a.device.Remove(c.Request.Context(), fid), nil)
}

func (a *API) setActiveGroup(c *gin.Context) {
	var req activeGroupRequest
	if !a.bind(c, &req) {
		return
	}
	a.respond(c, a.device.SetActiveGroup(c.Request.Context(), req.UserID, req.StorePath), nil)
}

func (a *API) authenticate(c *gin.Context) {
	var req authenticateRequest
	if !a.bind(c, &req) {
		return
	}
	a.respond(c, a.device.Authenticate(c.Request.Context(), req.OperationID), nil)
}

func (a *API) authenticateFrame(c *gin.Context) {
	var req authenticateFrameRequest
	if !a.bind(c, &req) {
		return
	}
	err := a.device.ProcessAuthenticateFrame(c.Request.Context(),
		face.FrameRef(req.Main), face.FrameRef(req.Sub), req.OTP, req.Info, req.ByteInfo)
	a.respond(c, err, nil)
}

func (a *API) userActivity(c *gin.Context) {
	a.respond(c, a.device.UserActivity(c.Request.Context()), nil)
}

func (a *API) resetLockout(c *gin.Context) {
	var req resetLockoutRequest
	if !a.bind(c, &req) {
		return
	}
	a.respond(c, a.device.ResetLockout(c.Request.Context(), req.Token), nil)
}

type auditEntry struct {
	ID        uint            `json:"id"`
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *API) listAudit(c *gin.Context) {
	scope, ok := a.device.ActiveGroup()
	if !ok {
		a.respond(c, face.ErrNoActiveGroup, nil)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		a.respond(c, fmt.Errorf("%w: limit", face.ErrIllegalArgument), nil)
		return
	}
	logs, err := a.audit.ListEvents(c.Request.Context(), scope, limit)
	if err != nil {
		a.respond(c, fmt.Errorf("%w: %v", face.ErrInternal, err), nil)
		return
	}
	entries := make([]auditEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, auditEntry{ID: l.ID, Type: l.Type, Event: json.RawMessage(l.Payload), CreatedAt: l.CreatedAt})
	}
	a.respond(c, nil, gin.H{"events": entries})
}

func (a *API) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		a.respond(c, fmt.Errorf("%w: %v", face.ErrIllegalArgument, err), nil)
		return false
	}
	return true
}

func (a *API) featureParam(c *gin.Context) (face.Feature, bool) {
	v, err := parseUint32(c.Param("feature"))
	if err != nil {
		a.respond(c, err, nil)
		return 0, false
	}
	return face.Feature(v), true
}

// respond writes the status taxonomy of err as HTTP.
func (a *API) respond(c *gin.Context, err error, fields gin.H) {
	status := face.StatusOf(err)
	body := gin.H{"status": status.String()}
	for k, v := range fields {
		body[k] = v
	}
	if err != nil {
		body["error"] = err.Error()
		if status == face.StatusInternalError {
			caller, _ := auth.CallerID(c.Request.Context())
			a.logger.Error("operation failed", zap.String("path", c.FullPath()), zap.String("caller", caller), zap.Error(err))
		}
	}
	c.JSON(httpStatus(status), body)
}

func httpStatus(s face.Status) int {
	switch s {
	case face.StatusOK:
		return http.StatusOK
	case face.StatusIllegalArgument:
		return http.StatusBadRequest
	case face.StatusOperationNotSupported:
		return http.StatusConflict
	case face.StatusNotEnrolled:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a 32-bit unsigned integer", face.ErrIllegalArgument, s)
	}
	return uint32(v), nil
}

func seconds(n uint32) time.Duration {
	return time.Duration(n) * time.Second
}
