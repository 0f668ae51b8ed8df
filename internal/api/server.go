// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/rbac"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Service interfaces for dependency injection and testing

// LedgerInterface defines the invoice ledger operations the API uses
type LedgerInterface interface {
	CreateInvoice(ctx context.Context, req ledger.CreateInvoiceRequest) (*models.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
	HandleSettlement(ctx context.Context, invoiceID string, paidAt time.Time) error
}

// WatcherInterface defines the chain watcher operations the API uses
type WatcherInterface interface {
	TrackPayment(ctx context.Context, req chainwatch.TrackRequest) (*models.EthereumPayment, error)
	GetPayment(ctx context.Context, txHash string) (*models.EthereumPayment, error)
}

// SubscriptionInterface defines the subscription operations the API uses
type SubscriptionInterface interface {
	Pause(ctx context.Context, id string) (*models.Subscription, error)
	Resume(ctx context.Context, id string) (*models.Subscription, error)
	Cancel(ctx context.Context, id string) (*models.Subscription, error)
	Get(ctx context.Context, id string) (*models.Subscription, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Subscription, error)
}

// MintInterface defines the mint coordinator operations the API uses
type MintInterface interface {
	GetMembership(ctx context.Context, key string) (*models.NFTMembership, error)
	RetryMint(ctx context.Context, key string) (*models.NFTMembership, error)
	VerifyMembership(ctx context.Context, userID string) (*models.NFTMembership, bool, error)
}

// UserStoreInterface defines the user storage operations the API uses
type UserStoreInterface interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetRole(ctx context.Context, id string) (types.Role, error)
	UpdateRole(ctx context.Context, id string, role types.Role) error
	LinkEthAddress(ctx context.Context, id, address string) error
	LinkLnPubkey(ctx context.Context, id, pubkey string) error
}

// POSStoreInterface defines the POS storage operations the API uses
type POSStoreInterface interface {
	History(ctx context.Context, userID string, limit int) ([]*models.POSPayment, error)
	RecordCheckIn(ctx context.Context, e *models.CheckInEvent) error
}

// RewardStoreInterface defines the reward storage operations the API uses
type RewardStoreInterface interface {
	ListByUser(ctx context.Context, userID string) ([]*models.LoyaltyReward, error)
	Redeem(ctx context.Context, rewardID, userID string) (bool, error)
}

// ActionReaderInterface exposes the orchestrator's dedup records
type ActionReaderInterface interface {
	ActionsForPayment(ctx context.Context, paymentID string) ([]*models.EntitlementAction, error)
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	ledger        LedgerInterface
	watcher       WatcherInterface
	subscriptions SubscriptionInterface
	mints         MintInterface
	users         UserStoreInterface
	pos           POSStoreInterface
	rewards       RewardStoreInterface
	actions       ActionReaderInterface
	guard         *rbac.Guard
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	WebhookSecret   string
	RateLimitRPS    int
	RateLimitBurst  int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	invoiceLedger LedgerInterface,
	watcher WatcherInterface,
	subscriptions SubscriptionInterface,
	mints MintInterface,
	users UserStoreInterface,
	pos POSStoreInterface,
	rewards RewardStoreInterface,
	actions ActionReaderInterface,
	guard *rbac.Guard,
) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		ledger:        invoiceLedger,
		watcher:       watcher,
		subscriptions: subscriptions,
		mints:         mints,
		users:         users,
		pos:           pos,
		rewards:       rewards,
		actions:       actions,
		guard:         guard,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(s.config.RateLimitRPS, s.config.RateLimitBurst))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Invoice endpoints (Lightning rail)
	api.HandleFunc("/invoices", s.handleCreateInvoice).Methods("POST")
	api.HandleFunc("/invoices/{id}", s.handleGetInvoice).Methods("GET")

	// Ethereum payment endpoints
	api.HandleFunc("/payments/eth", s.handleTrackPayment).Methods("POST")
	api.HandleFunc("/payments/eth/{txHash}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{id}/actions", s.handleGetPaymentActions).Methods("GET")

	// Subscription endpoints
	api.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods("GET")
	api.HandleFunc("/subscriptions/{id}", s.handleGetSubscription).Methods("GET")
	api.HandleFunc("/subscriptions/{id}/pause", s.handlePauseSubscription).Methods("POST")
	api.HandleFunc("/subscriptions/{id}/resume", s.handleResumeSubscription).Methods("POST")
	api.HandleFunc("/subscriptions/{id}", s.handleCancelSubscription).Methods("DELETE")

	// NFT membership endpoints
	api.HandleFunc("/nft/memberships/{key}", s.handleGetMembership).Methods("GET")
	api.HandleFunc("/nft/memberships/{key}/retry", s.handleRetryMint).Methods("POST")
	api.HandleFunc("/nft/verify/{userId}", s.handleVerifyMembership).Methods("GET")

	// User endpoints
	api.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	api.HandleFunc("/users/{id}", s.handleGetUser).Methods("GET")
	api.HandleFunc("/users/{id}/role", s.handleGetRole).Methods("GET")
	api.HandleFunc("/users/{id}/role", s.handleUpdateRole).Methods("PUT")
	api.HandleFunc("/users/{id}/wallets/eth", s.handleLinkEthWallet).Methods("POST")
	api.HandleFunc("/users/{id}/wallets/ln", s.handleLinkLnWallet).Methods("POST")

	// POS endpoints
	api.HandleFunc("/pos/checkout", s.handlePOSCheckout).Methods("POST")
	api.HandleFunc("/pos/history", s.handlePOSHistory).Methods("GET")
	api.HandleFunc("/pos/checkin", s.handleCheckIn).Methods("POST")

	// Loyalty endpoints
	api.HandleFunc("/rewards", s.handleListRewards).Methods("GET")
	api.HandleFunc("/rewards/{id}/redeem", s.handleRedeemReward).Methods("POST")

	// Rail webhooks bypass the API rate limit path prefix
	s.router.HandleFunc("/webhooks/lightning", s.handleLightningWebhook).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "zephyrpay",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the router for tests
func (s *Server) Router() http.Handler {
	return s.router
}
