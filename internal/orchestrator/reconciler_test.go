package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

func (s *fakeActionStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released int64
	for _, a := range s.actions {
		if a.Status == types.ActionClaimed && a.UpdatedAt.Before(olderThan) {
			a.Status = types.ActionFailed
			msg := "claim expired"
			a.LastError = &msg
			a.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

func (s *fakeActionStore) ListRetryable(ctx context.Context, limit int) ([]*models.EntitlementAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EntitlementAction
	for _, a := range s.actions {
		if a.Status == types.ActionFailed && len(out) < limit {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// backdate ages an action's claim so the sweep sees it as stale
func (s *fakeActionStore) backdate(key string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[key]; ok {
		a.UpdatedAt = time.Now().Add(-age)
	}
}

type fakeInvoiceReader struct {
	invoices map[string]*models.Invoice
}

func (r *fakeInvoiceReader) GetByID(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return nil, &types.ServiceError{Code: "INVOICE_NOT_FOUND", Message: "invoice not found"}
	}
	return inv, nil
}

type fakePaymentReader struct {
	payments map[string]*models.EthereumPayment
}

func (r *fakePaymentReader) GetByTxHash(ctx context.Context, txHash string) (*models.EthereumPayment, error) {
	p, ok := r.payments[txHash]
	if !ok {
		return nil, &types.ServiceError{Code: "PAYMENT_NOT_FOUND", Message: "payment not found"}
	}
	return p, nil
}

func paidInvoice(id string, ev types.PaymentConfirmed) *models.Invoice {
	paidAt := ev.ConfirmedAt
	return &models.Invoice{
		InvoiceID:  id,
		UserID:     ev.UserID,
		AmountSats: 21000,
		Purpose:    ev.Purpose,
		Tier:       ev.Tier,
		OrderID:    ev.OrderID,
		Status:     types.InvoicePaid,
		PaidAt:     &paidAt,
	}
}

func newTestReconciler(engine *Orchestrator, store *fakeActionStore, invoices *fakeInvoiceReader, payments *fakePaymentReader, cfg ReconcilerConfig) *Reconciler {
	if invoices == nil {
		invoices = &fakeInvoiceReader{invoices: map[string]*models.Invoice{}}
	}
	if payments == nil {
		payments = &fakePaymentReader{payments: map[string]*models.EthereumPayment{}}
	}
	return NewReconciler(engine, store, invoices, payments, cfg)
}

func TestReconciler_RedrivesFailedAction(t *testing.T) {
	o, store, deps := setupOrchestrator(t)

	// The only delivery of the confirmation fails downstream.
	deps.activateErr = errors.New("subscription store down")
	ev := subscriptionEvent()
	require.Error(t, o.HandlePaymentConfirmed(context.Background(), ev))

	key := IdempotencyKey(ev.PaymentID, types.ActionActivateSubscription)
	require.Equal(t, types.ActionFailed, store.statusOf(key))
	deps.activateErr = nil

	r := newTestReconciler(o, store,
		&fakeInvoiceReader{invoices: map[string]*models.Invoice{
			ev.PaymentID: paidInvoice(ev.PaymentID, ev),
		}}, nil,
		ReconcilerConfig{Interval: 5 * time.Millisecond})
	r.Start(context.Background())
	defer r.Stop()

	// The sweep rebuilds the confirmation from the invoice record and
	// drives the stranded action to completion.
	require.Eventually(t, func() bool {
		return store.statusOf(key) == types.ActionApplied
	}, 3*time.Second, 5*time.Millisecond)

	deps.mu.Lock()
	defer deps.mu.Unlock()
	assert.Equal(t, 1, deps.activations)
}

func TestReconciler_ReleasesStaleClaimAndRedrives(t *testing.T) {
	o, store, deps := setupOrchestrator(t)
	ev := subscriptionEvent()
	key := IdempotencyKey(ev.PaymentID, types.ActionActivateSubscription)

	// A claimer that died after claiming leaves the row CLAIMED with
	// no outcome ever recorded.
	won, err := store.Claim(context.Background(), key, ev.PaymentID, types.ActionActivateSubscription)
	require.NoError(t, err)
	require.True(t, won)
	store.backdate(key, time.Hour)

	r := newTestReconciler(o, store,
		&fakeInvoiceReader{invoices: map[string]*models.Invoice{
			ev.PaymentID: paidInvoice(ev.PaymentID, ev),
		}}, nil,
		ReconcilerConfig{ClaimTimeout: 5 * time.Minute})
	r.sweep(context.Background())

	assert.Equal(t, types.ActionApplied, store.statusOf(key))
	deps.mu.Lock()
	defer deps.mu.Unlock()
	assert.Equal(t, 1, deps.activations)
}

func TestReconciler_FreshClaimLeftAlone(t *testing.T) {
	o, store, deps := setupOrchestrator(t)
	ev := subscriptionEvent()
	key := IdempotencyKey(ev.PaymentID, types.ActionActivateSubscription)

	won, err := store.Claim(context.Background(), key, ev.PaymentID, types.ActionActivateSubscription)
	require.NoError(t, err)
	require.True(t, won)

	r := newTestReconciler(o, store,
		&fakeInvoiceReader{invoices: map[string]*models.Invoice{
			ev.PaymentID: paidInvoice(ev.PaymentID, ev),
		}}, nil,
		ReconcilerConfig{ClaimTimeout: 5 * time.Minute})
	r.sweep(context.Background())

	// A claim within the timeout may still be in flight elsewhere.
	assert.Equal(t, types.ActionClaimed, store.statusOf(key))
	deps.mu.Lock()
	defer deps.mu.Unlock()
	assert.Equal(t, 0, deps.activations)
}

func TestReconciler_RebuildsEthereumConfirmation(t *testing.T) {
	o, store, deps := setupOrchestrator(t)

	// The settlement fails on first delivery, aborting the POS plan
	// before the loyalty credit is ever claimed.
	deps.settleErr = errors.New("ledger unavailable")
	ev := posEvent()
	ev.PaymentID = "0x" + strings.Repeat("ef", 32)
	require.Error(t, o.HandlePaymentConfirmed(context.Background(), ev))
	deps.settleErr = nil

	confirmedAt := ev.ConfirmedAt
	r := newTestReconciler(o, store, nil,
		&fakePaymentReader{payments: map[string]*models.EthereumPayment{
			ev.PaymentID: {
				TxHash:         ev.PaymentID,
				UserID:         ev.UserID,
				Purpose:        ev.Purpose,
				ExpectedAmount: ev.Amount,
				OrderID:        ev.OrderID,
				Status:         types.PaymentConfirmedStatus,
				ConfirmedAt:    &confirmedAt,
			},
		}},
		ReconcilerConfig{})
	r.sweep(context.Background())

	// One rebuilt event retries the whole plan for the payment.
	assert.Equal(t, types.ActionApplied,
		store.statusOf(IdempotencyKey(ev.PaymentID, types.ActionSettlePOS)))
	assert.Equal(t, types.ActionApplied,
		store.statusOf(IdempotencyKey(ev.PaymentID, types.ActionCreditLoyalty)))

	deps.mu.Lock()
	defer deps.mu.Unlock()
	require.Len(t, deps.settlements, 1)
	assert.Equal(t, ev.OrderID, deps.settlements[0].OrderID)
	require.Len(t, deps.credits, 1)
}

func TestReconciler_SkipsUnsettledPayment(t *testing.T) {
	o, store, deps := setupOrchestrator(t)

	deps.activateErr = errors.New("subscription store down")
	ev := subscriptionEvent()
	require.Error(t, o.HandlePaymentConfirmed(context.Background(), ev))
	deps.activateErr = nil

	// The invoice record is still PENDING: corrupted state, never
	// redriven.
	inv := paidInvoice(ev.PaymentID, ev)
	inv.Status = types.InvoicePending
	r := newTestReconciler(o, store,
		&fakeInvoiceReader{invoices: map[string]*models.Invoice{ev.PaymentID: inv}}, nil,
		ReconcilerConfig{})
	r.sweep(context.Background())

	key := IdempotencyKey(ev.PaymentID, types.ActionActivateSubscription)
	assert.Equal(t, types.ActionFailed, store.statusOf(key))
	deps.mu.Lock()
	defer deps.mu.Unlock()
	assert.Equal(t, 0, deps.activations)
}
