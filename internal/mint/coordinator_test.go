package mint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// fakeMembershipStore mirrors the SQL repository's claim and guard
// semantics in memory, keyed by mint idempotency key.
type fakeMembershipStore struct {
	mu          sync.Mutex
	memberships map[string]*models.NFTMembership
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{memberships: make(map[string]*models.NFTMembership)}
}

func (s *fakeMembershipStore) ClaimMint(ctx context.Context, m *models.NFTMembership) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = models.MintIdempotencyKey(m.UserID, m.Tier, m.BillingPeriod)
	}
	if _, ok := s.memberships[m.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *m
	s.memberships[m.IdempotencyKey] = &cp
	return true, nil
}

func (s *fakeMembershipStore) GetByKey(ctx context.Context, key string) (*models.NFTMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[key]
	if !ok {
		return nil, &types.ServiceError{Code: "MEMBERSHIP_NOT_FOUND", Message: "membership not found"}
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMembershipStore) GetActive(ctx context.Context, userID string, now time.Time) (*models.NFTMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.Status == types.MintMinted && m.Expiration.After(now) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &types.ServiceError{Code: "MEMBERSHIP_NOT_FOUND", Message: "no active membership"}
}

func (s *fakeMembershipStore) MarkMinted(ctx context.Context, key string, tokenID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[key]
	if !ok || m.Status != types.MintPending {
		return false, nil
	}
	m.Status = types.MintMinted
	m.TokenID = &tokenID
	return true, nil
}

func (s *fakeMembershipStore) MarkMintFailed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[key]
	if !ok || m.Status != types.MintPending {
		return false, nil
	}
	m.Status = types.MintFailedStatus
	return true, nil
}

func (s *fakeMembershipStore) IncrementAttempts(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memberships[key]; ok {
		m.Attempts++
	}
	return nil
}

func (s *fakeMembershipStore) Requeue(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[key]
	if !ok || m.Status != types.MintFailedStatus {
		return false, nil
	}
	m.Status = types.MintPending
	m.Attempts = 0
	return true, nil
}

func (s *fakeMembershipStore) ListPending(ctx context.Context, limit int) ([]*models.NFTMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.NFTMembership
	for _, m := range s.memberships {
		if m.Status == types.MintPending {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeMinter fails a configurable number of calls before succeeding
type fakeMinter struct {
	calls        int64
	failBefore   int64 // calls up to this count fail
	nextTokenID  int64
	failsForever bool
}

func (m *fakeMinter) Mint(ctx context.Context, userID, tier, billingPeriod, idempotencyKey, contract string) (int64, error) {
	n := atomic.AddInt64(&m.calls, 1)
	if m.failsForever || n <= m.failBefore {
		return 0, errors.New("mint service unavailable")
	}
	return atomic.AddInt64(&m.nextTokenID, 1), nil
}

func (m *fakeMinter) callCount() int64 {
	return atomic.LoadInt64(&m.calls)
}

type failureRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *failureRecorder) sink(ctx context.Context, m *models.NFTMembership, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m.IdempotencyKey)
}

func (r *failureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func setupCoordinator(t *testing.T, minter Minter, onFail FailureSink) (*Coordinator, *fakeMembershipStore) {
	t.Helper()
	store := newFakeMembershipStore()
	c := NewCoordinator(store, minter, onFail, Config{
		ContractAddress: "0xff11223344556677889900aabbccddeeff001122",
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		Workers:         2,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, store
}

func waitForMintStatus(t *testing.T, store *fakeMembershipStore, key string, want types.MintStatus) *models.NFTMembership {
	t.Helper()
	var got *models.NFTMembership
	require.Eventually(t, func() bool {
		m, err := store.GetByKey(context.Background(), key)
		if err != nil {
			return false
		}
		got = m
		return m.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestRequestMint_Succeeds(t *testing.T) {
	minter := &fakeMinter{}
	c, store := setupCoordinator(t, minter, nil)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.MintPending, m.Status)
	assert.Equal(t, models.MintIdempotencyKey("user-1", "gold", "2026-08"), m.IdempotencyKey)

	minted := waitForMintStatus(t, store, m.IdempotencyKey, types.MintMinted)
	require.NotNil(t, minted.TokenID)
	assert.Equal(t, int64(1), *minted.TokenID)
}

func TestRequestMint_RejectsBadInput(t *testing.T) {
	c, _ := setupCoordinator(t, &fakeMinter{}, nil)

	_, err := c.RequestMint(context.Background(), "user-1", "", "2026-08", time.Now())
	require.Error(t, err)

	_, err = c.RequestMint(context.Background(), "user-1", "gold", "", time.Now())
	require.Error(t, err)
}

func TestRequestMint_ConcurrentRequestsCollapse(t *testing.T) {
	minter := &fakeMinter{}
	c, store := setupCoordinator(t, minter, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	key := models.MintIdempotencyKey("user-1", "gold", "2026-08")
	minted := waitForMintStatus(t, store, key, types.MintMinted)
	require.NotNil(t, minted.TokenID)

	// One record, one successful mint call regardless of request count.
	store.mu.Lock()
	assert.Len(t, store.memberships, 1)
	store.mu.Unlock()
	assert.Equal(t, int64(1), minter.callCount())
}

func TestRequestMint_TransientFailureRetried(t *testing.T) {
	minter := &fakeMinter{failBefore: 2}
	c, store := setupCoordinator(t, minter, nil)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)

	minted := waitForMintStatus(t, store, m.IdempotencyKey, types.MintMinted)
	require.NotNil(t, minted.TokenID)
	assert.Equal(t, int64(3), minter.callCount())
	assert.GreaterOrEqual(t, minted.Attempts, 1)
}

func TestRequestMint_ExhaustionMarksFailed(t *testing.T) {
	minter := &fakeMinter{failsForever: true}
	rec := &failureRecorder{}
	c, store := setupCoordinator(t, minter, rec.sink)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)

	waitForMintStatus(t, store, m.IdempotencyKey, types.MintFailedStatus)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), minter.callCount())
}

func TestRequestMint_FailedStaysFailedUntilRetried(t *testing.T) {
	minter := &fakeMinter{failsForever: true}
	c, store := setupCoordinator(t, minter, nil)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForMintStatus(t, store, m.IdempotencyKey, types.MintFailedStatus)

	// A repeat request returns the failed record and does not remint.
	callsBefore := minter.callCount()
	again, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.MintFailedStatus, again.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsBefore, minter.callCount())
}

func TestRetryMint_RequeuesFailedRequest(t *testing.T) {
	minter := &fakeMinter{failBefore: 3} // exhausts the 3-attempt budget once
	c, store := setupCoordinator(t, minter, nil)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForMintStatus(t, store, m.IdempotencyKey, types.MintFailedStatus)

	_, err = c.RetryMint(context.Background(), m.IdempotencyKey)
	require.NoError(t, err)

	minted := waitForMintStatus(t, store, m.IdempotencyKey, types.MintMinted)
	require.NotNil(t, minted.TokenID)
}

func TestRetryMint_NonFailedUnchanged(t *testing.T) {
	minter := &fakeMinter{}
	c, store := setupCoordinator(t, minter, nil)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForMintStatus(t, store, m.IdempotencyKey, types.MintMinted)

	refreshed, err := c.RetryMint(context.Background(), m.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, types.MintMinted, refreshed.Status)
}

func TestVerifyMembership(t *testing.T) {
	minter := &fakeMinter{}
	c, store := setupCoordinator(t, minter, nil)

	// No membership at all.
	_, active, err := c.VerifyMembership(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, active)

	m, err := c.RequestMint(context.Background(), "user-1", "gold", "2026-08", time.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForMintStatus(t, store, m.IdempotencyKey, types.MintMinted)

	got, active, err := c.VerifyMembership(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "gold", got.Tier)

	// Expired memberships do not verify.
	store.mu.Lock()
	store.memberships[m.IdempotencyKey].Expiration = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	_, active, err = c.VerifyMembership(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestStart_RequeuesPendingFromPreviousRun(t *testing.T) {
	store := newFakeMembershipStore()
	key := models.MintIdempotencyKey("user-1", "gold", "2026-07")
	store.memberships[key] = &models.NFTMembership{
		ID:             "m-1",
		UserID:         "user-1",
		Tier:           "gold",
		BillingPeriod:  "2026-07",
		IdempotencyKey: key,
		Status:         types.MintPending,
		Expiration:     time.Now().Add(time.Hour),
	}

	minter := &fakeMinter{}
	c := NewCoordinator(store, minter, nil, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Workers:        1,
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitForMintStatus(t, store, key, types.MintMinted)
}
