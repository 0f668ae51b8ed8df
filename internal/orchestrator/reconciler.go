package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// StalledActionStore is the slice of the action store the reconciler
// needs.
type StalledActionStore interface {
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
	ListRetryable(ctx context.Context, limit int) ([]*models.EntitlementAction, error)
}

// InvoiceReader looks up a settled Lightning invoice
type InvoiceReader interface {
	GetByID(ctx context.Context, invoiceID string) (*models.Invoice, error)
}

// PaymentReader looks up a confirmed Ethereum payment
type PaymentReader interface {
	GetByTxHash(ctx context.Context, txHash string) (*models.EthereumPayment, error)
}

// ReconcilerConfig tunes the reconciliation sweep
type ReconcilerConfig struct {
	Interval     time.Duration // sweep period
	ClaimTimeout time.Duration // age at which a claimed row counts as stale
	Batch        int
}

// Reconciler is the redelivery source for stranded entitlement
// actions. The rails emit PaymentConfirmed exactly once, so an action
// that failed mid-plan (or whose claimer crashed before recording an
// outcome) has nothing to retry it. The reconciler periodically
// releases stale claims, rebuilds the confirmation event from the
// durable payment record and re-drives it through the orchestrator,
// whose claim rows make the replay safe.
type Reconciler struct {
	engine   *Orchestrator
	actions  StalledActionStore
	invoices InvoiceReader
	payments PaymentReader
	cfg      ReconcilerConfig
	logger   *logging.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler
func NewReconciler(engine *Orchestrator, actions StalledActionStore, invoices InvoiceReader, payments PaymentReader, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reconciler{
		engine:   engine,
		actions:  actions,
		invoices: invoices,
		payments: payments,
		cfg:      cfg,
		logger:   logging.GetGlobalLogger().WithField("component", "reconciler"),
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the sweep loop and waits for it
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep re-drives every stranded action. Deliveries are grouped by
// payment: one rebuilt event retries all of that payment's failed
// actions, and applied ones are skipped by the claim guard.
func (r *Reconciler) sweep(ctx context.Context) {
	released, err := r.actions.ReleaseStale(ctx, time.Now().Add(-r.cfg.ClaimTimeout))
	if err != nil {
		r.logger.WithError(err).Error("Failed to release stale claims")
		return
	}
	if released > 0 {
		r.logger.Infof("Released %d stale action claim(s)", released)
	}

	stalled, err := r.actions.ListRetryable(ctx, r.cfg.Batch)
	if err != nil {
		r.logger.WithError(err).Error("Reconciliation query failed")
		return
	}

	redriven := make(map[string]struct{})
	for _, a := range stalled {
		if _, ok := redriven[a.PaymentID]; ok {
			continue
		}
		redriven[a.PaymentID] = struct{}{}

		logger := r.logger.WithField("payment_id", a.PaymentID)

		ev, settled, err := r.rebuild(ctx, a.PaymentID)
		if err != nil {
			logger.WithError(err).Error("Failed to rebuild confirmation for redelivery")
			continue
		}
		if !settled {
			// Action rows only exist for settled payments, so a
			// non-settled record here means corrupted state.
			logger.Error("Stranded action references a payment that never settled")
			continue
		}

		if err := r.engine.HandlePaymentConfirmed(ctx, *ev); err != nil {
			logger.WithError(err).Warn("Redelivery failed, will retry next sweep")
		} else {
			logger.Info("Stranded entitlement actions reconciled")
		}
	}
}

// rebuild reconstructs the PaymentConfirmed event from the durable
// payment record. Lightning payment IDs are 64-char payment hashes,
// Ethereum ones are 0x-prefixed transaction hashes.
func (r *Reconciler) rebuild(ctx context.Context, paymentID string) (*types.PaymentConfirmed, bool, error) {
	if strings.HasPrefix(paymentID, "0x") {
		p, err := r.payments.GetByTxHash(ctx, paymentID)
		if err != nil {
			return nil, false, err
		}
		if p.Status != types.PaymentConfirmedStatus {
			return nil, false, nil
		}
		confirmedAt := time.Now()
		if p.ConfirmedAt != nil {
			confirmedAt = *p.ConfirmedAt
		}
		return &types.PaymentConfirmed{
			PaymentID:   p.TxHash,
			UserID:      p.UserID,
			Rail:        types.RailEthereum,
			Purpose:     p.Purpose,
			Amount:      p.ExpectedAmount,
			Token:       p.ExpectedToken,
			Tier:        p.Tier,
			OrderID:     p.OrderID,
			ConfirmedAt: confirmedAt,
		}, true, nil
	}

	inv, err := r.invoices.GetByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if inv.Status != types.InvoicePaid {
		return nil, false, nil
	}
	paidAt := time.Now()
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	return &types.PaymentConfirmed{
		PaymentID:   inv.InvoiceID,
		UserID:      inv.UserID,
		Rail:        types.RailLightning,
		Purpose:     inv.Purpose,
		Amount:      strconv.FormatInt(inv.AmountSats, 10),
		Tier:        inv.Tier,
		OrderID:     inv.OrderID,
		ConfirmedAt: paidAt,
	}, true, nil
}
