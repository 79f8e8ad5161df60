// Package httpapi exposes the job and wallet surface over HTTP: an
// authenticated /api group for clients and an unauthenticated provider
// callback guarded by a shared token.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/job"
	"github.com/genforge/genforge/pkg/wallet"
)

const defaultListLimit = 50

// ErrInvalidServerConfig marks a server built with missing dependencies.
var ErrInvalidServerConfig = errors.New("invalid http server configuration")

// Config carries the HTTP façade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	CallbackToken  string
}

// Engine is the slice of the orchestrator the handlers drive.
type Engine interface {
	Submit(ctx context.Context, params job.CreateParams) (job.Job, error)
	HandleProviderOutcome(ctx context.Context, providerTaskID string, rawState string, resultURLs []string, errorText string) error
}

// JobDirectory reads job records for the query endpoints.
type JobDirectory interface {
	GetByID(ctx context.Context, id job.ID) (job.Job, error)
	GetByProviderTaskID(ctx context.Context, providerTaskID string) (job.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error)
	ListUndelivered(ctx context.Context, limit int) ([]job.Job, error)
	ListUserJobs(ctx context.Context, userID string, limit int) ([]job.Job, error)
}

// Deliverer retries the delivery step on demand.
type Deliverer interface {
	Deliver(ctx context.Context, id job.ID) error
}

// Wallets is the slice of the wallet service the handlers use.
type Wallets interface {
	Balance(ctx context.Context, userID wallet.UserID) (wallet.Snapshot, error)
	Topup(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, ref wallet.Ref, metadata wallet.MetadataJSON) (wallet.Movement, error)
	ListEntries(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Entry, error)
}

// Users provisions user records for authenticated subjects.
type Users interface {
	EnsureUser(ctx context.Context, userID string) error
}

// Server is the HTTP façade over the engine and the wallet.
type Server struct {
	config    Config
	engine    Engine
	jobs      JobDirectory
	deliverer Deliverer
	wallets   Wallets
	users     Users
	validator *BearerValidator
	logger    *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger wires a zap logger; a nop logger is used otherwise.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(server *Server) {
		server.logger = logger
	}
}

// NewServer wires the HTTP façade.
func NewServer(config Config, engine Engine, jobs JobDirectory, deliverer Deliverer, wallets Wallets, users Users, validator *BearerValidator, options ...ServerOption) (*Server, error) {
	if engine == nil || jobs == nil || deliverer == nil || wallets == nil || users == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServerConfig)
	}
	if validator == nil {
		return nil, fmt.Errorf("%w: nil bearer validator", ErrInvalidServerConfig)
	}
	if config.CallbackToken == "" {
		return nil, fmt.Errorf("%w: empty callback token", ErrInvalidServerConfig)
	}
	server := &Server{
		config:    config,
		engine:    engine,
		jobs:      jobs,
		deliverer: deliverer,
		wallets:   wallets,
		users:     users,
		validator: validator,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/callback/provider", server.handleProviderCallback)

	api := router.Group("/api")
	api.Use(server.validator.GinMiddleware())
	api.POST("/jobs", server.handleSubmitJob)
	api.GET("/jobs", server.handleListJobs)
	api.GET("/jobs/undelivered", server.handleListUndelivered)
	api.GET("/jobs/:id", server.handleGetJob)
	api.POST("/jobs/:id/deliver", server.handleDeliverJob)
	api.GET("/wallet", server.handleWallet)
	api.POST("/wallet/topup", server.handleTopup)

	return router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
