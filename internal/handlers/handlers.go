package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/decoder"
	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/repository"
	"github.com/example/palmid/internal/usecase"
)

// MaxUploadSize caps a single frame upload. It covers a 1920x1080 BGRA frame.
const MaxUploadSize = 1920 * 1080 * 4

// Session is the decoder surface driven over HTTP.
type Session interface {
	State() decoder.State
	Stats() decoder.Stats
	LastDecision() (decoder.Decision, bool)
	SetModelModeForUser(user credential.UserKey, factor credential.Factor) error
	SetMatchModeForUser(ctx context.Context, user credential.UserKey) error
	Stop() error
	ProcessFrameData(raw []byte, width, height, depth int, camera frame.CameraSettings) error
	SetCameraOrientation(o decoder.Orientation) error
	RetrieveImage(id palm.TemplateID) error
	AddPalmInfo(id palm.TemplateID) error
	RemovePalmInfo(id palm.TemplateID) error
}

// Results serves recorded match decisions.
type Results interface {
	GetResult(ctx context.Context, attemptID string) (*repository.MatchLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Session    Session
	Store      credential.Store
	Results    Results
	AuthMethod credential.AuthMethod
	Logger     *zap.Logger
}

type api struct {
	Deps
}

// RegisterRoutes wires the HTTP handlers to the Gin router. adminMiddleware
// additionally guards destructive user management routes.
func RegisterRoutes(router *gin.Engine, deps Deps, authMiddleware gin.HandlerFunc, adminMiddleware gin.HandlerFunc) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("http")
	a := &api{Deps: deps}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": a.Session.State().String()})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.GET("/users", a.listUsers)
	protected.POST("/users", a.createUser)
	protected.GET("/users/:key", a.getUser)
	protected.GET("/users/:key/factors", a.getFactors)
	protected.PUT("/users/:key/metadata", a.setMetadata)
	protected.PUT("/users/:key/passcode", a.setPasscode)
	protected.POST("/users/:key/passcode/verify", a.verifyPasscode)

	admin := protected.Group("/")
	admin.Use(adminMiddleware)
	admin.DELETE("/users/:key", a.removeUser)
	admin.POST("/users/:key/unregister", a.unregister)
	admin.DELETE("/data", a.removeAllData)

	protected.GET("/session", a.sessionStatus)
	protected.POST("/session/mode", a.setMode)
	protected.PUT("/session/orientation", a.setOrientation)
	protected.POST("/session/frames", a.submitFrame)
	protected.POST("/session/templates/:id", a.addPalmInfo)
	protected.DELETE("/session/templates/:id", a.removePalmInfo)
	protected.POST("/session/templates/:id/image", a.retrieveImage)

	protected.GET("/results/:id", a.getResult)
	protected.GET("/metrics/summary", a.metricsSummary)
}

// respondError maps a classified failure to an HTTP status.
func (a *api) respondError(c *gin.Context, err error) {
	kind := palmerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case palmerr.KindInvalidArgument, palmerr.KindIncorrectInputData, palmerr.KindInvalidModel, palmerr.KindCryptoInvalidInput:
		status = http.StatusBadRequest
	case palmerr.KindNotFound:
		status = http.StatusNotFound
	case palmerr.KindUserAlreadyExists, palmerr.KindUnexpectedRequest, palmerr.KindInvalidHandle:
		status = http.StatusConflict
	case palmerr.KindInvalidLicense:
		status = http.StatusForbidden
	case palmerr.KindMissingDataForPalmMatch:
		status = http.StatusUnprocessableEntity
	case palmerr.KindServerConnection:
		status = http.StatusBadGateway
	case palmerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String(), "code": kind.Code()})
}
