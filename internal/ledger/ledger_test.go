package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/rail"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// fakeInvoiceStore is an in-memory InvoiceStore with the same guarded
// transition semantics as the SQL implementation.
type fakeInvoiceStore struct {
	mu           sync.Mutex
	invoices     map[string]*models.Invoice
	markPaidErrs int // next N MarkPaid calls fail
}

func newFakeInvoiceStore() *fakeInvoiceStore {
	return &fakeInvoiceStore{invoices: make(map[string]*models.Invoice)}
}

func (s *fakeInvoiceStore) Create(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invoices[inv.InvoiceID] = &cp
	return nil
}

func (s *fakeInvoiceStore) GetByID(ctx context.Context, id string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, &types.ServiceError{Code: "INVOICE_NOT_FOUND", Message: "invoice not found"}
	}
	cp := *inv
	return &cp, nil
}

func (s *fakeInvoiceStore) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPaidErrs > 0 {
		s.markPaidErrs--
		return false, errors.New("connection reset")
	}
	inv, ok := s.invoices[id]
	if !ok || inv.Status != types.InvoicePending {
		return false, nil
	}
	inv.Status = types.InvoicePaid
	inv.PaidAt = &paidAt
	return true, nil
}

func (s *fakeInvoiceStore) MarkExpired(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status != types.InvoicePending {
		return false, nil
	}
	inv.Status = types.InvoiceExpired
	return true, nil
}

func (s *fakeInvoiceStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Invoice
	for _, inv := range s.invoices {
		if inv.Status == types.InvoicePending && inv.ExpiresAt.Before(now) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeInvoiceStore) ListPendingIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, inv := range s.invoices {
		if inv.Status == types.InvoicePending {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeNode struct {
	counter int64
	settled bool // reported by LookupInvoice
}

func (n *fakeNode) AddInvoice(ctx context.Context, amountSats int64, memo string, ttl time.Duration) (*rail.LightningInvoice, error) {
	id := atomic.AddInt64(&n.counter, 1)
	return &rail.LightningInvoice{
		PaymentHash:    "hash-" + string(rune('a'+id)),
		PaymentRequest: "lnbc-test",
		AmountSats:     amountSats,
	}, nil
}

func (n *fakeNode) LookupInvoice(ctx context.Context, paymentHash string) (*rail.LightningInvoice, error) {
	return &rail.LightningInvoice{PaymentHash: paymentHash, Settled: n.settled}, nil
}

// fakeDedup marks each key at most once, like the Redis SetNX path
type fakeDedup struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{keys: make(map[string]struct{})}
}

func (d *fakeDedup) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return false, nil
	}
	d.keys[key] = struct{}{}
	return true, nil
}

type emissionRecorder struct {
	mu     sync.Mutex
	events []types.PaymentConfirmed
}

func (r *emissionRecorder) sink(ctx context.Context, ev types.PaymentConfirmed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *emissionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestLedger(store *fakeInvoiceStore, rec *emissionRecorder) *InvoiceLedger {
	return NewInvoiceLedger(store, &fakeNode{}, nil, rec.sink, Config{
		InvoiceTTL:    15 * time.Minute,
		PollInterval:  time.Hour, // effectively disabled in tests
		SweepInterval: time.Hour,
	})
}

func seedInvoice(store *fakeInvoiceStore, id string, status types.InvoiceStatus, expiresAt time.Time) {
	store.invoices[id] = &models.Invoice{
		InvoiceID:  id,
		UserID:     "user-1",
		AmountSats: 1000,
		Purpose:    types.PurposeSubscription,
		Status:     status,
		ExpiresAt:  expiresAt,
	}
}

func TestCreateInvoice_RecordsPending(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := newTestLedger(store, rec)
	defer l.Stop()

	inv, err := l.CreateInvoice(context.Background(), CreateInvoiceRequest{
		UserID:     "user-1",
		AmountSats: 2500,
		Purpose:    types.PurposeMembership,
		Tier:       "gold",
	})
	require.NoError(t, err)

	assert.Equal(t, types.InvoicePending, inv.Status)
	assert.NotEmpty(t, inv.InvoiceID)
	assert.Equal(t, "lnbc-test", inv.PaymentRequest)

	stored, err := store.GetByID(context.Background(), inv.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, types.InvoicePending, stored.Status)
}

func TestCreateInvoice_RejectsBadInput(t *testing.T) {
	l := newTestLedger(newFakeInvoiceStore(), &emissionRecorder{})
	defer l.Stop()

	_, err := l.CreateInvoice(context.Background(), CreateInvoiceRequest{
		UserID:     "user-1",
		AmountSats: 0,
		Purpose:    types.PurposeSubscription,
	})
	require.Error(t, err)

	_, err = l.CreateInvoice(context.Background(), CreateInvoiceRequest{
		UserID:     "user-1",
		AmountSats: 100,
	})
	require.Error(t, err)
}

func TestHandleSettlement_EmitsExactlyOnce(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := newTestLedger(store, rec)
	defer l.Stop()

	seedInvoice(store, "inv-1", types.InvoicePending, time.Now().Add(time.Hour))

	require.NoError(t, l.HandleSettlement(context.Background(), "inv-1", time.Now()))

	// Duplicate deliveries report duplicate and emit nothing further.
	err := l.HandleSettlement(context.Background(), "inv-1", time.Now())
	require.Error(t, err)
	assert.True(t, serrors.IsDuplicate(err))

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "inv-1", rec.events[0].PaymentID)
	assert.Equal(t, types.RailLightning, rec.events[0].Rail)
}

func TestHandleSettlement_ConcurrentDeliveries(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := newTestLedger(store, rec)
	defer l.Stop()

	seedInvoice(store, "inv-1", types.InvoicePending, time.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.HandleSettlement(context.Background(), "inv-1", time.Now())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.count())
}

func TestHandleSettlement_CacheMarkDoesNotMaskFailedTransition(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := NewInvoiceLedger(store, &fakeNode{}, newFakeDedup(), rec.sink, Config{
		InvoiceTTL:    15 * time.Minute,
		PollInterval:  time.Hour,
		SweepInterval: time.Hour,
	})
	defer l.Stop()

	seedInvoice(store, "inv-1", types.InvoicePending, time.Now().Add(time.Hour))
	store.markPaidErrs = 1

	// The first delivery marks the cache but dies before the durable
	// transition lands. It must surface the store error, not a duplicate.
	err := l.HandleSettlement(context.Background(), "inv-1", time.Now())
	require.Error(t, err)
	assert.False(t, serrors.IsDuplicate(err))

	// The retry sees the cache mark with the invoice still PENDING and
	// falls through to the durable path.
	require.NoError(t, l.HandleSettlement(context.Background(), "inv-1", time.Now()))

	inv, err := store.GetByID(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, types.InvoicePaid, inv.Status)
	assert.Equal(t, 1, rec.count())

	// Once PAID the cache hit is a real duplicate.
	err = l.HandleSettlement(context.Background(), "inv-1", time.Now())
	require.Error(t, err)
	assert.True(t, serrors.IsDuplicate(err))
	assert.Equal(t, 1, rec.count())
}

func TestPollInvoice_RetriesAfterTransientStoreFailure(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := NewInvoiceLedger(store, &fakeNode{settled: true}, nil, rec.sink, Config{
		InvoiceTTL:    15 * time.Minute,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	defer l.Stop()

	seedInvoice(store, "inv-1", types.InvoicePending, time.Now().Add(time.Hour))
	store.markPaidErrs = 2

	l.watch("inv-1")

	// The node reports settled but the first MarkPaid attempts fail;
	// the watcher must keep polling until the transition lands.
	require.Eventually(t, func() bool {
		inv, err := store.GetByID(context.Background(), "inv-1")
		return err == nil && inv.Status == types.InvoicePaid
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.count())
}

func TestHandleSettlement_ExpiredInvoiceRejected(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := newTestLedger(store, rec)
	defer l.Stop()

	seedInvoice(store, "inv-1", types.InvoiceExpired, time.Now().Add(-time.Hour))

	err := l.HandleSettlement(context.Background(), "inv-1", time.Now())
	require.Error(t, err)
	assert.True(t, serrors.IsInvalidTransition(err))
	assert.Equal(t, 0, rec.count())

	// The record stays expired.
	inv, err := store.GetByID(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, types.InvoiceExpired, inv.Status)
}

func TestSweep_ExpiresOnlyOverduePending(t *testing.T) {
	store := newFakeInvoiceStore()
	rec := &emissionRecorder{}
	l := newTestLedger(store, rec)
	defer l.Stop()

	seedInvoice(store, "overdue", types.InvoicePending, time.Now().Add(-time.Minute))
	seedInvoice(store, "fresh", types.InvoicePending, time.Now().Add(time.Hour))
	seedInvoice(store, "paid", types.InvoicePaid, time.Now().Add(-time.Minute))

	l.sweepExpired(context.Background())

	overdue, _ := store.GetByID(context.Background(), "overdue")
	fresh, _ := store.GetByID(context.Background(), "fresh")
	paid, _ := store.GetByID(context.Background(), "paid")

	assert.Equal(t, types.InvoiceExpired, overdue.Status)
	assert.Equal(t, types.InvoicePending, fresh.Status)
	assert.Equal(t, types.InvoicePaid, paid.Status)
	assert.Equal(t, 0, rec.count())
}

// Property: under any interleaving of settle and expire attempts an
// invoice reaches exactly one terminal state, and PaymentConfirmed is
// emitted exactly once iff that state is PAID.
func TestInvoiceLifecycle_Monotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("terminal state is exclusive and emission matches it", prop.ForAll(
		func(ops []bool) bool {
			store := newFakeInvoiceStore()
			rec := &emissionRecorder{}
			l := newTestLedger(store, rec)
			defer l.Stop()

			seedInvoice(store, "inv-p", types.InvoicePending, time.Now().Add(time.Hour))

			for _, settle := range ops {
				if settle {
					_ = l.HandleSettlement(context.Background(), "inv-p", time.Now())
				} else {
					_, _ = store.MarkExpired(context.Background(), "inv-p")
				}
			}

			inv, err := store.GetByID(context.Background(), "inv-p")
			if err != nil {
				return false
			}
			if len(ops) > 0 && !inv.Status.Terminal() {
				return false
			}
			if inv.Status == types.InvoicePaid {
				return rec.count() == 1
			}
			return rec.count() == 0
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
