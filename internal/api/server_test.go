package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/rbac"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Mock services for testing

type mockLedger struct {
	createFunc func(ctx context.Context, req ledger.CreateInvoiceRequest) (*models.Invoice, error)
	getFunc    func(ctx context.Context, invoiceID string) (*models.Invoice, error)
	settleFunc func(ctx context.Context, invoiceID string, paidAt time.Time) error
}

func (m *mockLedger) CreateInvoice(ctx context.Context, req ledger.CreateInvoiceRequest) (*models.Invoice, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}
	return &models.Invoice{
		InvoiceID:      "inv-123",
		UserID:         req.UserID,
		AmountSats:     req.AmountSats,
		PaymentRequest: "lnbc-test",
		Purpose:        req.Purpose,
		OrderID:        req.OrderID,
		Status:         types.InvoicePending,
		ExpiresAt:      time.Now().Add(15 * time.Minute),
	}, nil
}

func (m *mockLedger) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, invoiceID)
	}
	return &models.Invoice{
		InvoiceID: invoiceID,
		UserID:    "user-123",
		Status:    types.InvoicePending,
	}, nil
}

func (m *mockLedger) HandleSettlement(ctx context.Context, invoiceID string, paidAt time.Time) error {
	if m.settleFunc != nil {
		return m.settleFunc(ctx, invoiceID, paidAt)
	}
	return nil
}

type mockWatcher struct {
	trackFunc func(ctx context.Context, req chainwatch.TrackRequest) (*models.EthereumPayment, error)
}

func (m *mockWatcher) TrackPayment(ctx context.Context, req chainwatch.TrackRequest) (*models.EthereumPayment, error) {
	if m.trackFunc != nil {
		return m.trackFunc(ctx, req)
	}
	return &models.EthereumPayment{
		TxHash:         req.TxHash,
		UserID:         req.UserID,
		ExpectedAmount: req.ExpectedAmount,
		Purpose:        req.Purpose,
		Status:         types.PaymentPending,
	}, nil
}

func (m *mockWatcher) GetPayment(ctx context.Context, txHash string) (*models.EthereumPayment, error) {
	return &models.EthereumPayment{
		TxHash: txHash,
		UserID: "user-123",
		Status: types.PaymentPending,
	}, nil
}

type mockSubscriptions struct {
	owner string
}

func (m *mockSubscriptions) sub(id string) *models.Subscription {
	owner := m.owner
	if owner == "" {
		owner = "user-123"
	}
	return &models.Subscription{
		ID:     id,
		UserID: owner,
		Type:   "standard",
		Status: types.SubscriptionActive,
	}
}

func (m *mockSubscriptions) Pause(ctx context.Context, id string) (*models.Subscription, error) {
	s := m.sub(id)
	s.Status = types.SubscriptionPaused
	return s, nil
}

func (m *mockSubscriptions) Resume(ctx context.Context, id string) (*models.Subscription, error) {
	return m.sub(id), nil
}

func (m *mockSubscriptions) Cancel(ctx context.Context, id string) (*models.Subscription, error) {
	s := m.sub(id)
	s.Status = types.SubscriptionCancelled
	return s, nil
}

func (m *mockSubscriptions) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return m.sub(id), nil
}

func (m *mockSubscriptions) ListForUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	return []*models.Subscription{m.sub("sub-1")}, nil
}

type mockMints struct{}

func (m *mockMints) GetMembership(ctx context.Context, key string) (*models.NFTMembership, error) {
	return &models.NFTMembership{IdempotencyKey: key, UserID: "user-123", Status: types.MintPending}, nil
}

func (m *mockMints) RetryMint(ctx context.Context, key string) (*models.NFTMembership, error) {
	return &models.NFTMembership{IdempotencyKey: key, UserID: "user-123", Status: types.MintPending}, nil
}

func (m *mockMints) VerifyMembership(ctx context.Context, userID string) (*models.NFTMembership, bool, error) {
	return nil, false, nil
}

// mockUserStore serves a fixed cast: user-123 is a MEMBER, operator-1
// an OPERATOR, admin-1 an ADMIN.
type mockUserStore struct {
	createFunc     func(ctx context.Context, user *models.User) error
	updateRoleFunc func(ctx context.Context, id string, role types.Role) error
	linkEthFunc    func(ctx context.Context, id, address string) error
}

func (m *mockUserStore) roleFor(id string) (types.Role, bool) {
	switch id {
	case "user-123", "member-2":
		return types.RoleMember, true
	case "operator-1":
		return types.RoleOperator, true
	case "admin-1":
		return types.RoleAdmin, true
	}
	return "", false
}

func (m *mockUserStore) Create(ctx context.Context, user *models.User) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, user)
	}
	return nil
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	role, ok := m.roleFor(id)
	if !ok {
		return nil, &types.ServiceError{Code: "USER_NOT_FOUND", Message: "user not found"}
	}
	return &models.User{ID: id, Email: id + "@example.com", Role: role}, nil
}

func (m *mockUserStore) GetRole(ctx context.Context, id string) (types.Role, error) {
	role, ok := m.roleFor(id)
	if !ok {
		return "", &types.ServiceError{Code: "USER_NOT_FOUND", Message: "user not found"}
	}
	return role, nil
}

func (m *mockUserStore) UpdateRole(ctx context.Context, id string, role types.Role) error {
	if m.updateRoleFunc != nil {
		return m.updateRoleFunc(ctx, id, role)
	}
	return nil
}

func (m *mockUserStore) LinkEthAddress(ctx context.Context, id, address string) error {
	if m.linkEthFunc != nil {
		return m.linkEthFunc(ctx, id, address)
	}
	return nil
}

func (m *mockUserStore) LinkLnPubkey(ctx context.Context, id, pubkey string) error {
	return nil
}

type mockPOSStore struct{}

func (m *mockPOSStore) History(ctx context.Context, userID string, limit int) ([]*models.POSPayment, error) {
	return []*models.POSPayment{}, nil
}

func (m *mockPOSStore) RecordCheckIn(ctx context.Context, e *models.CheckInEvent) error {
	return nil
}

type mockRewardStore struct {
	redeemFunc func(ctx context.Context, rewardID, userID string) (bool, error)
}

func (m *mockRewardStore) ListByUser(ctx context.Context, userID string) ([]*models.LoyaltyReward, error) {
	return []*models.LoyaltyReward{}, nil
}

func (m *mockRewardStore) Redeem(ctx context.Context, rewardID, userID string) (bool, error) {
	if m.redeemFunc != nil {
		return m.redeemFunc(ctx, rewardID, userID)
	}
	return true, nil
}

type mockActionReader struct{}

func (m *mockActionReader) ActionsForPayment(ctx context.Context, paymentID string) ([]*models.EntitlementAction, error) {
	return []*models.EntitlementAction{}, nil
}

func createTestServer() *Server {
	return NewServer(
		&ServerConfig{
			Host:           "localhost",
			Port:           "8080",
			WebhookSecret:  "test-secret",
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
		},
		&mockLedger{},
		&mockWatcher{},
		&mockSubscriptions{},
		&mockMints{},
		&mockUserStore{},
		&mockPOSStore{},
		&mockRewardStore{},
		&mockActionReader{},
		rbac.NewGuard(),
	)
}

// TestHealthEndpoint tests the health check
func TestHealthEndpoint(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

// TestMissingUserHeader tests that API routes require an identity
func TestMissingUserHeader(t *testing.T) {
	server := createTestServer()

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/invoices/inv-1"},
		{"GET", "/api/v1/subscriptions"},
		{"GET", "/api/v1/rewards"},
		{"GET", "/api/v1/payments/eth/0xabc"},
	}

	for _, rt := range routes {
		req := httptest.NewRequest(rt.method, rt.path, nil)
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected status 401, got %d", rt.method, rt.path, w.Code)
		}
	}
}

// TestUnknownUserRejected tests that an unknown X-User-ID cannot act
func TestUnknownUserRejected(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/v1/subscriptions", nil)
	req.Header.Set("X-User-ID", "ghost-1")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
