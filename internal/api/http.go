package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/decision-core/internal/config"
	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/fanout"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/quota"
)

// Headers set by the upstream authentication layer.
const (
	HeaderCallerID   = "X-Caller-ID"
	HeaderCallerTier = "X-Caller-Tier"
)

// Decider is the decision facade the HTTP API serves.
type Decider interface {
	Evaluate(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) (engine.Result, error)
	ResetCallerQuota(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) error
	InvalidateDecision(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) error
}

// Handler serves the HTTP API.
type Handler struct {
	Decider Decider
	Hub     *fanout.Hub
	Logger  *slog.Logger
}

type decisionBody struct {
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload"`
}

type adminBody struct {
	CallerID  string         `json:"caller_id"`
	Tier      string         `json:"tier"`
	ClientIP  string         `json:"client_ip"`
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload"`
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger))

	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	v1.POST("/decisions/:service", h.Decide)
	v1.GET("/subscribe", h.Subscribe)

	admin := v1.Group("/admin", requireAdmin)
	admin.POST("/quota/:service/reset", h.ResetQuota)
	admin.POST("/decisions/:service/invalidate", h.Invalidate)
	return r
}

// NewHTTPServer wraps handler in an http.Server for cfg.HTTPAddress.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Decide(c *gin.Context) {
	identity, ok := callerFromHeaders(c)
	if !ok {
		return
	}
	var body decisionBody
	if err := bindJSON(c, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}

	service := models.ServiceKey(c.Param("service"))
	res, err := h.Decider.Evaluate(c.Request.Context(), identity, service,
		models.DecisionRequest{SubjectID: body.SubjectID, Payload: body.Payload})

	var limited *engine.RateLimitedError
	switch {
	case err == nil:
		setRateLimitHeaders(c, res.RateLimit)
		c.JSON(http.StatusOK, gin.H{
			"decision": res.Decision,
			"rate_limit": gin.H{
				"limit":     res.RateLimit.Limit,
				"remaining": res.RateLimit.Remaining,
				"reset_at":  res.RateLimit.ResetAt,
			},
			"cached": res.Cached,
		})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.FormatInt(limited.RetryAfterSeconds, 10))
		c.Header("X-RateLimit-Limit", strconv.FormatInt(limited.Limit, 10))
		c.Header("X-RateLimit-Remaining", "0")
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limited.ResetAt.Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "rate_limit_exceeded",
			"limit":               limited.Limit,
			"retry_after_seconds": limited.RetryAfterSeconds,
		})
	case isUnknownService(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_service"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision_unavailable"})
	}
}

func (h *Handler) Subscribe(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	if h.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	h.Hub.Serve(c.Writer, c.Request, channel)
}

func (h *Handler) ResetQuota(c *gin.Context) {
	target, _, ok := bindAdminTarget(c)
	if !ok {
		return
	}
	err := h.Decider.ResetCallerQuota(c.Request.Context(), target, models.ServiceKey(c.Param("service")))
	h.adminResult(c, "quota reset", err)
}

func (h *Handler) Invalidate(c *gin.Context) {
	target, req, ok := bindAdminTarget(c)
	if !ok {
		return
	}
	err := h.Decider.InvalidateDecision(c.Request.Context(), target, models.ServiceKey(c.Param("service")), req)
	h.adminResult(c, "decision invalidate", err)
}

func (h *Handler) adminResult(c *gin.Context, op string, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case isUnknownService(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_service"})
	default:
		h.Logger.Error(op+" failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admin_operation_failed"})
	}
}

func callerFromHeaders(c *gin.Context) (models.CallerIdentity, bool) {
	tier, err := models.ParseTier(c.GetHeader(HeaderCallerTier))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return models.CallerIdentity{}, false
	}
	return models.CallerIdentity{
		ID:       c.GetHeader(HeaderCallerID),
		Tier:     tier,
		ClientIP: c.ClientIP(),
	}, true
}

// bindJSON decodes the request body keeping numbers as json.Number, so
// integers beyond 2^53 survive into the fingerprint unchanged.
func bindJSON(c *gin.Context, obj any) error {
	if c.Request.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	return dec.Decode(obj)
}

func bindAdminTarget(c *gin.Context) (models.CallerIdentity, models.DecisionRequest, bool) {
	var body adminBody
	if err := bindJSON(c, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return models.CallerIdentity{}, models.DecisionRequest{}, false
	}
	tier, err := models.ParseTier(body.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return models.CallerIdentity{}, models.DecisionRequest{}, false
	}
	target := models.CallerIdentity{ID: body.CallerID, Tier: tier, ClientIP: body.ClientIP}
	return target, models.DecisionRequest{SubjectID: body.SubjectID, Payload: body.Payload}, true
}

func requireAdmin(c *gin.Context) {
	tier, err := models.ParseTier(c.GetHeader(HeaderCallerTier))
	if err != nil || tier != models.TierAdmin || c.GetHeader(HeaderCallerID) == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func setRateLimitHeaders(c *gin.Context, rl models.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

func isUnknownService(err error) bool {
	return errors.Is(err, engine.ErrUnknownService) || errors.Is(err, quota.ErrUnknownPolicy)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
