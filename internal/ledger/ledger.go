package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/lyfted-engineering/ZephyrPay/internal/circuitbreaker"
	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/rail"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// InvoiceStore is the slice of storage the ledger needs
type InvoiceStore interface {
	Create(ctx context.Context, inv *models.Invoice) error
	GetByID(ctx context.Context, invoiceID string) (*models.Invoice, error)
	MarkPaid(ctx context.Context, invoiceID string, paidAt time.Time) (bool, error)
	MarkExpired(ctx context.Context, invoiceID string) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Invoice, error)
	ListPendingIDs(ctx context.Context, limit int) ([]string, error)
}

// LightningRail is the node client interface
type LightningRail interface {
	AddInvoice(ctx context.Context, amountSats int64, memo string, ttl time.Duration) (*rail.LightningInvoice, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*rail.LightningInvoice, error)
}

// DedupCache marks a key at most once within a TTL. Used as a cheap
// fast path in front of the durable status guard.
type DedupCache interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ConfirmedSink receives exactly one event per invoice that reaches
// PAID.
type ConfirmedSink func(ctx context.Context, ev types.PaymentConfirmed)

// CreateInvoiceRequest carries the parameters for a new invoice
type CreateInvoiceRequest struct {
	UserID      string
	AmountSats  int64
	Description string
	Purpose     types.PaymentPurpose
	Tier        string
	OrderID     string
}

// Config tunes ledger behavior
type Config struct {
	InvoiceTTL    time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// InvoiceLedger owns the lifecycle of Lightning invoices: creation on
// the node, settlement observation, expiry sweeping, and the
// exactly-once emission of PaymentConfirmed. The durable PENDING->PAID
// guard in the store is what makes concurrent webhook deliveries and
// poller races safe.
type InvoiceLedger struct {
	store   InvoiceStore
	node    LightningRail
	dedup   DedupCache
	sink    ConfirmedSink
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  *logging.Logger

	mu       sync.Mutex
	watching map[string]struct{} // invoice IDs with a live poll goroutine
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewInvoiceLedger creates an invoice ledger
func NewInvoiceLedger(store InvoiceStore, node LightningRail, dedup DedupCache, sink ConfirmedSink, cfg Config) *InvoiceLedger {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &InvoiceLedger{
		store:    store,
		node:     node,
		dedup:    dedup,
		sink:     sink,
		breaker:  circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("lightning")),
		cfg:      cfg,
		logger:   logging.GetGlobalLogger().WithField("component", "invoice_ledger"),
		watching: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// CreateInvoice requests an invoice from the node, records it PENDING
// and starts watching it for settlement.
func (l *InvoiceLedger) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, error) {
	if req.AmountSats <= 0 {
		return nil, serrors.NewInvalidParameterError("amount_sats", "must be positive")
	}
	if req.Purpose == "" {
		return nil, serrors.NewInvalidParameterError("purpose", "is required")
	}

	var nodeInv *rail.LightningInvoice
	err := l.breaker.Execute(ctx, func() error {
		var err error
		nodeInv, err = l.node.AddInvoice(ctx, req.AmountSats, req.Description, l.cfg.InvoiceTTL)
		return err
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return nil, serrors.NewRailUnavailableError("lightning", err)
		}
		return nil, err
	}

	inv := &models.Invoice{
		InvoiceID:      nodeInv.PaymentHash,
		UserID:         req.UserID,
		AmountSats:     req.AmountSats,
		Description:    req.Description,
		PaymentRequest: nodeInv.PaymentRequest,
		Purpose:        req.Purpose,
		Tier:           req.Tier,
		OrderID:        req.OrderID,
		Status:         types.InvoicePending,
		ExpiresAt:      time.Now().Add(l.cfg.InvoiceTTL),
	}

	if err := l.store.Create(ctx, inv); err != nil {
		return nil, serrors.NewDatabaseError("create invoice", err)
	}

	l.watch(inv.InvoiceID)

	l.logger.WithFields(map[string]interface{}{
		"invoice_id":  inv.InvoiceID,
		"user_id":     inv.UserID,
		"amount_sats": inv.AmountSats,
		"purpose":     string(inv.Purpose),
	}).Info("Invoice created")

	return inv, nil
}

// GetInvoice returns the current invoice record
func (l *InvoiceLedger) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	return l.store.GetByID(ctx, invoiceID)
}

// HandleSettlement processes a settlement report for an invoice, from
// the webhook or the poller. The first call that wins the store's
// PENDING->PAID guard emits PaymentConfirmed; every later call for the
// same invoice is a duplicate and emits nothing. A report for an
// invoice already EXPIRED is rejected as an invalid transition.
func (l *InvoiceLedger) HandleSettlement(ctx context.Context, invoiceID string, paidAt time.Time) error {
	// Fast path: repeated webhook deliveries short-circuit on the
	// cache. The mark lands before the durable transition, so a hit is
	// only trusted once the store confirms the invoice is PAID; a mark
	// left behind by a delivery that died before MarkPaid must fall
	// through and retry the durable path.
	if l.dedup != nil {
		first, err := l.dedup.MarkOnce(ctx, "invoice:settled:"+invoiceID, 24*time.Hour)
		if err == nil && !first {
			inv, gerr := l.store.GetByID(ctx, invoiceID)
			if gerr == nil && inv.Status == types.InvoicePaid {
				return serrors.NewDuplicateEventError(invoiceID)
			}
		}
	}

	won, err := l.store.MarkPaid(ctx, invoiceID, paidAt)
	if err != nil {
		return serrors.NewDatabaseError("mark invoice paid", err)
	}
	if !won {
		inv, err := l.store.GetByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == types.InvoiceExpired {
			return serrors.NewInvalidTransitionError("invoice", invoiceID,
				string(types.InvoiceExpired), string(types.InvoicePaid))
		}
		return serrors.NewDuplicateEventError(invoiceID)
	}

	inv, err := l.store.GetByID(ctx, invoiceID)
	if err != nil {
		return err
	}

	l.logger.WithFields(map[string]interface{}{
		"invoice_id": invoiceID,
		"user_id":    inv.UserID,
	}).Info("Invoice settled")

	l.sink(ctx, types.PaymentConfirmed{
		PaymentID:   inv.InvoiceID,
		UserID:      inv.UserID,
		Rail:        types.RailLightning,
		Purpose:     inv.Purpose,
		Amount:      strconv.FormatInt(inv.AmountSats, 10),
		Tier:        inv.Tier,
		OrderID:     inv.OrderID,
		ConfirmedAt: paidAt,
	})

	return nil
}

// Start launches the expiry sweep loop
func (l *InvoiceLedger) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.sweepLoop(ctx)
}

// Stop halts watchers and the sweep loop and waits for them
func (l *InvoiceLedger) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// Resume restarts watchers for invoices that were PENDING at shutdown
func (l *InvoiceLedger) Resume(ctx context.Context) error {
	ids, err := l.store.ListPendingIDs(ctx, 1000)
	if err != nil {
		return err
	}
	for _, id := range ids {
		l.watch(id)
	}
	if len(ids) > 0 {
		l.logger.Infof("Resumed observation of %d invoice(s)", len(ids))
	}
	return nil
}

func (l *InvoiceLedger) watch(invoiceID string) {
	l.mu.Lock()
	if _, ok := l.watching[invoiceID]; ok {
		l.mu.Unlock()
		return
	}
	l.watching[invoiceID] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pollInvoice(invoiceID)
}

// pollInvoice watches one invoice until it settles, expires or the
// ledger stops. The node is the settlement source of truth; the
// webhook is just a lower latency path to the same HandleSettlement.
func (l *InvoiceLedger) pollInvoice(invoiceID string) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.watching, invoiceID)
		l.mu.Unlock()
	}()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	logger := l.logger.WithField("invoice_id", invoiceID)

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		inv, err := l.store.GetByID(ctx, invoiceID)
		if err != nil {
			logger.WithError(err).Warn("Invoice lookup failed")
			continue
		}
		if inv.Status.Terminal() {
			return
		}

		var nodeInv *rail.LightningInvoice
		err = l.breaker.Execute(ctx, func() error {
			var err error
			nodeInv, err = l.node.LookupInvoice(ctx, invoiceID)
			return err
		})
		if err != nil {
			if circuitbreaker.IsOpen(err) {
				logger.Debug("Lightning breaker open, skipping poll cycle")
			} else {
				logger.WithError(err).Warn("Invoice poll failed")
			}
			continue
		}

		if nodeInv.Settled {
			settledAt := nodeInv.SettledAt
			if settledAt.IsZero() {
				settledAt = time.Now()
			}
			err := l.HandleSettlement(ctx, invoiceID, settledAt)
			if err == nil || serrors.IsDuplicate(err) || serrors.IsInvalidTransition(err) {
				return
			}
			// A transient store failure must not tear the watcher down
			// with the invoice still PENDING; the next tick retries.
			logger.WithError(err).Error("Failed to record settlement from poller")
			continue
		}
	}
}

// sweepLoop periodically expires PENDING invoices past their TTL. The
// guarded update means a settlement landing mid-sweep wins and the
// sweep leaves that invoice alone.
func (l *InvoiceLedger) sweepLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepExpired(ctx)
		}
	}
}

func (l *InvoiceLedger) sweepExpired(ctx context.Context) {
	invoices, err := l.store.ListExpiredPending(ctx, time.Now(), l.cfg.SweepBatch)
	if err != nil {
		l.logger.WithError(err).Error("Expiry sweep query failed")
		return
	}

	expired := 0
	for _, inv := range invoices {
		won, err := l.store.MarkExpired(ctx, inv.InvoiceID)
		if err != nil {
			l.logger.WithError(err).WithField("invoice_id", inv.InvoiceID).
				Error("Failed to expire invoice")
			continue
		}
		if won {
			expired++
		}
	}

	if expired > 0 {
		l.logger.Infof("Expiry sweep closed %d invoice(s)", expired)
	}
}
