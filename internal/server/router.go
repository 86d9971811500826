// Package server exposes the credential vault and claim orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/games"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "freeclaim_user_id"
	maxCredentialBodySize = 64 << 10
)

var (
	errMissingCredentialService = errors.New("credential service dependency required")
	errMissingClaimService      = errors.New("claim service dependency required")
	errMissingSessionValidator  = errors.New("session validator dependency required")
)

// CredentialService is the vault surface consumed by the HTTP adapter.
type CredentialService interface {
	SaveCredentials(ctx context.Context, userID string, p provider.Provider, rawCredentials []byte, metadata audit.RequestMetadata) (vault.CredentialStatus, error)
	GetCredentialStatus(ctx context.Context, userID string, p provider.Provider) (vault.CredentialStatus, error)
	GetAllCredentialStatuses(ctx context.Context, userID string) ([]vault.CredentialStatus, error)
	DeleteCredentials(ctx context.Context, userID string, p provider.Provider, metadata audit.RequestMetadata) (bool, error)
}

// ClaimService runs a claim for one user.
type ClaimService interface {
	ClaimForUser(ctx context.Context, userID string, p provider.Provider, options claimer.Options) (claimer.Result, error)
}

// GameLister lists games recorded for a user.
type GameLister interface {
	ListForUser(ctx context.Context, userID string) ([]games.Game, error)
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Credentials        CredentialService
	Claims             ClaimService
	Games              GameLister
	Sessions           SessionValidator
	ClaimOptions       claimer.Options
	AllowedOrigins     []string
	ClaimRatePerMinute int
	MetricsHandler     http.Handler
	Logger             *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Credentials == nil {
		return nil, errMissingCredentialService
	}
	if deps.Claims == nil {
		return nil, errMissingClaimService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		credentials:  deps.Credentials,
		claims:       deps.Claims,
		games:        deps.Games,
		sessions:     deps.Sessions,
		claimOptions: deps.ClaimOptions,
		limiter:      newUserRateLimiter(deps.ClaimRatePerMinute),
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/credentials", handler.handleListCredentials)
	protected.GET("/credentials/:provider", handler.handleGetCredential)
	protected.PUT("/credentials/:provider", handler.handleSaveCredential)
	protected.DELETE("/credentials/:provider", handler.handleDeleteCredential)
	protected.POST("/claims/:provider", handler.handleClaim)
	protected.GET("/games", handler.handleListGames)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	credentials  CredentialService
	claims       ClaimService
	games        GameLister
	sessions     SessionValidator
	claimOptions claimer.Options
	limiter      *userRateLimiter
	logger       *zap.Logger
}

type credentialListResponse struct {
	Credentials []vault.CredentialStatus `json:"credentials"`
}

type claimRequestPayload struct {
	DryRun   bool `json:"dryRun"`
	MaxGames int  `json:"maxGames"`
}

type claimResponsePayload struct {
	claimer.Result
	ErrorMessages []string `json:"errors"`
}

type gameResponsePayload struct {
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	Platform   string    `json:"platform"`
	ObtainedAt time.Time `json:"obtainedAt"`
}

func (h *httpHandler) handleListCredentials(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	statuses, err := h.credentials.GetAllCredentialStatuses(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "list credentials failed", err)
		return
	}
	c.JSON(http.StatusOK, credentialListResponse{Credentials: statuses})
}

func (h *httpHandler) handleGetCredential(c *gin.Context) {
	p, ok := h.providerParam(c)
	if !ok {
		return
	}
	status, err := h.credentials.GetCredentialStatus(c.Request.Context(), c.GetString(userIDContextKey), p)
	if err != nil {
		h.respondError(c, "get credential status failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSaveCredential(c *gin.Context) {
	p, ok := h.providerParam(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCredentialBodySize+1))
	if err != nil || len(body) == 0 || len(body) > maxCredentialBodySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := h.credentials.SaveCredentials(c.Request.Context(), c.GetString(userIDContextKey), p, body, requestMetadata(c))
	if err != nil {
		h.respondError(c, "save credentials failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleDeleteCredential(c *gin.Context) {
	p, ok := h.providerParam(c)
	if !ok {
		return
	}
	deleted, err := h.credentials.DeleteCredentials(c.Request.Context(), c.GetString(userIDContextKey), p, requestMetadata(c))
	if err != nil {
		h.respondError(c, "delete credentials failed", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_connected"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	p, ok := h.providerParam(c)
	if !ok {
		return
	}
	userID := c.GetString(userIDContextKey)
	if !h.limiter.Allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var request claimRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil || request.MaxGames < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	options := h.claimOptions
	options.DryRun = options.DryRun || request.DryRun
	if request.MaxGames > 0 {
		options.MaxGames = request.MaxGames
	}

	result, err := h.claims.ClaimForUser(c.Request.Context(), userID, p, options)
	if err != nil {
		h.respondError(c, "claim failed", err)
		return
	}
	status := http.StatusOK
	if result.NotImplemented {
		status = http.StatusNotImplemented
	}
	c.JSON(status, claimResponsePayload{Result: result, ErrorMessages: result.ErrorMessages()})
}

func (h *httpHandler) handleListGames(c *gin.Context) {
	if h.games == nil {
		c.JSON(http.StatusOK, gin.H{"games": []gameResponsePayload{}})
		return
	}
	records, err := h.games.ListForUser(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "list games failed", err)
		return
	}
	response := make([]gameResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, gameResponsePayload{
			Title:      record.Title,
			Source:     record.Source,
			Platform:   record.Platform,
			ObtainedAt: record.ObtainedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"games": response})
}

func (h *httpHandler) providerParam(c *gin.Context) (provider.Provider, bool) {
	p, err := provider.Parse(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return "", false
	}
	return p, true
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	var validationErr *vault.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credentials", "fields": validationErr.Fields})
	case errors.Is(err, vault.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
	case errors.Is(err, vault.ErrNoCredentials):
		c.JSON(http.StatusConflict, gin.H{"error": "no_credentials"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func requestMetadata(c *gin.Context) audit.RequestMetadata {
	return audit.RequestMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
