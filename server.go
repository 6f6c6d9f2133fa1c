package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/middlewares"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/mmdatafocus/heartavtal_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultPort = "8080"

var tracer = otel.Tracer("heart-avtal")

// RateLimiter is a fixed-window counter per client ip kept in redis.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// identityResultsPubSubHandler receives the identity provider's verdicts for
// checks that went to manual review.
func (a *contractAPI) identityResultsPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := a.logger

		if want := os.Getenv("PUBSUB_PUSH_TOKEN"); want != "" && c.Query("token") != want {
			c.Status(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "identityResultsPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Message.Data arrives base64 encoded; []byte decodes it.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "identityResultsPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.IdentityResultMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "identityResultsPubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		status := workflow.IdentityCheckStatus(m.Status)
		if m.ContractId == "" || m.PartyId == "" ||
			(status != workflow.IdentityCheckVerified && status != workflow.IdentityCheckFailed && status != workflow.IdentityCheckPending) {
			config.LogError(logger, "server.go", "identityResultsPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("contract_id/party_id/status required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}
		ctx := utils.SetUserIdInContext(c.Request.Context(), models.SystemUserId)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		ctx, span := tracer.Start(ctx, "identityResultsPubSubHandler")
		span.SetAttributes(attribute.String("contract.id", m.ContractId), attribute.String("pubsub.message_id", msg.Message.ID))
		defer span.End()

		fields := logrus.Fields{
			"field":          "identityResultsPubSubHandler",
			"contract_id":    m.ContractId,
			"party_id":       m.PartyId,
			"message_id":     msg.Message.ID,
			"correlation_id": correlationID,
		}
		_, err = a.workflow.CompleteIdentityCheck(ctx, workflow.ContractRef{ContractId: m.ContractId}, m.PartyId,
			workflow.IdentityCheckResult{Status: status, Reason: m.Reason})
		switch models.ErrorKind(err) {
		case "":
			if err != nil {
				logger.WithFields(fields).Error("identity result processing failed: " + err.Error())
				c.Status(http.StatusInternalServerError)
				return
			}
		case "NotFound", "InvalidTransition", "ValidationError":
			// the contract moved on; retrying cannot help
			logger.WithFields(fields).Warn("identity result dropped: " + err.Error())
		default:
			logger.WithFields(fields).Error("identity result processing failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token, ok := utils.GetTokenFromContext(ctx)
		claims := middlewares.CtxValue(ctx)
		if !ok || token == "" || claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := middlewares.RevokeToken(ctx, config.GetRedisDB(), token, time.Unix(claims.ExpiresAt, 0)); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not end session"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// readinessGate answers the startup probe and returns 503 for everything
// else until dependencies are connected.
func readinessGate(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

// wireContractAPI builds the workflow and its collaborators from the
// connected database, redis and environment.
func wireContractAPI(api *contractAPI, logger *logrus.Logger) (*models.GormContractStore, error) {
	policy, err := config.LoadContractPolicy()
	if err != nil {
		return nil, err
	}
	kyc, err := workflow.NewKycClient()
	if err != nil {
		return nil, err
	}
	escrow, err := workflow.NewEscrowClient()
	if err != nil {
		return nil, err
	}

	gormStore := models.NewGormContractStore(config.GetDB())
	var store models.ContractStore = gormStore
	if config.UseContractCache() {
		store = models.NewCachedContractStore(gormStore, config.GetRedisDB(), 5*time.Minute, logger)
	}

	var locker workflow.ContractLocker = workflow.NewLocalLocker()
	if config.UseDistributedContractLocks() {
		locker = workflow.NewRedisLocker(config.GetRedisLock(), logger)
	}

	var codeStore workflow.CodeStore = workflow.NewMemoryCodeStore()
	if config.UseRedisVerificationCodes() {
		codeStore = &workflow.RedisCodeStore{Client: config.GetRedisDB()}
	}
	identity := &workflow.IdentityVerification{
		Kyc:   kyc,
		Codes: workflow.NewCodeService(codeStore, policy.VerificationCodeTTL),
	}

	w := workflow.NewContractWorkflow(store, locker, identity, escrow, policy, logger)
	if config.VerifyDocumentObjects() {
		w.Documents = utils.GCSObjectChecker{}
	}

	api.workflow = w
	api.notifications = gormStore
	api.logger = logger
	return gormStore, nil
}

func main() {
	port := os.Getenv("API_PORT_2")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The port opens before the database is reachable; readinessGate holds
	// requests at 503 until wireContractAPI has run.
	var ready atomic.Bool
	api := &contractAPI{logger: logger}

	r := gin.New()
	r.Use(middlewares.RequestMetaMiddleware())
	r.Use(readinessGate(&ready))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// CORS_ALLOWED_ORIGINS is required in production; elsewhere any origin is accepted.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// RATE_LIMIT_ENABLED, RATE_LIMIT_MAX_REQUESTS (600) and RATE_LIMIT_WINDOW_SECONDS (60).
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(config.GetRedisDB, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware(config.GetRedisDB))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	api.register(r)
	r.POST("/auth/logout", logoutHandler())
	r.POST("/pubsub/identity-results", api.identityResultsPubSubHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// SKIP_MIGRATIONS=true when cmd/migrate runs as a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	outbox, err := wireContractAPI(api, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "wireContractAPI"}).Fatal(err.Error())
	}
	ready.Store(true)

	// NOTIFICATION_DISPATCHER=external when cmd/notification-dispatcher runs instead.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("NOTIFICATION_DISPATCHER")), "external") {
		go workflow.NewOutboxDispatcher(outbox, workflow.NewPubSubNotifier(), logger).Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"field": "startup",
	}).Info("serving contract API on http://localhost:", port, "/api/v1/contracts")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// no new claims while draining
	cancelDispatcher()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs requests that recorded gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// NewRateLimiter limits requests per client ip. client is read per request
// so the limiter can be installed before redis is connected.
func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	key := "RateLimit:" + c.ClientIP()

	// INCR creates the key at 1; the first hit sets the window.
	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("too many requests, retry within %ds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
