package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// fakeRewardStore dedupes on (user, trigger event) like the SQL
// repository.
type fakeRewardStore struct {
	mu      sync.Mutex
	credits map[string]*models.LoyaltyReward
	nfts    map[string]*models.NFTLoyaltyReward
}

func newFakeRewardStore() *fakeRewardStore {
	return &fakeRewardStore{
		credits: make(map[string]*models.LoyaltyReward),
		nfts:    make(map[string]*models.NFTLoyaltyReward),
	}
}

func rewardKey(userID, triggerEventID string) string {
	return userID + "/" + triggerEventID
}

func (s *fakeRewardStore) CreditOnce(ctx context.Context, reward *models.LoyaltyReward) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rewardKey(reward.UserID, reward.TriggerEventID)
	if _, ok := s.credits[key]; ok {
		return false, nil
	}
	cp := *reward
	s.credits[key] = &cp
	return true, nil
}

func (s *fakeRewardStore) IssueNFTOnce(ctx context.Context, reward *models.NFTLoyaltyReward) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rewardKey(reward.UserID, reward.TriggerEventID)
	if _, ok := s.nfts[key]; ok {
		return false, nil
	}
	cp := *reward
	s.nfts[key] = &cp
	return true, nil
}

func (s *fakeRewardStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.credits), len(s.nfts)
}

func TestLoyaltyConsumer_SubscriptionActivationEarnsCreditAndNFT(t *testing.T) {
	store := newFakeRewardStore()
	c := NewLoyaltyConsumer(store)

	require.NoError(t, c.handle(context.Background(), sampleEvent("ev-1", types.ActionActivateSubscription)))

	credits, nfts := store.counts()
	assert.Equal(t, 1, credits)
	assert.Equal(t, 1, nfts)

	store.mu.Lock()
	credit := store.credits[rewardKey("user-1", "ev-1")]
	nft := store.nfts[rewardKey("user-1", "ev-1")]
	store.mu.Unlock()
	assert.Equal(t, int64(100), credit.Points)
	assert.Equal(t, "zephyr://loyalty/ev-1", nft.TokenURI)
}

func TestLoyaltyConsumer_MintEarnsCreditOnly(t *testing.T) {
	store := newFakeRewardStore()
	c := NewLoyaltyConsumer(store)

	require.NoError(t, c.handle(context.Background(), sampleEvent("ev-1", types.ActionEnqueueMint)))

	credits, nfts := store.counts()
	assert.Equal(t, 1, credits)
	assert.Equal(t, 0, nfts)

	store.mu.Lock()
	credit := store.credits[rewardKey("user-1", "ev-1")]
	store.mu.Unlock()
	assert.Equal(t, int64(50), credit.Points)
}

func TestLoyaltyConsumer_POSActionsEarnNothing(t *testing.T) {
	store := newFakeRewardStore()
	c := NewLoyaltyConsumer(store)

	require.NoError(t, c.handle(context.Background(), sampleEvent("ev-1", types.ActionSettlePOS)))
	require.NoError(t, c.handle(context.Background(), sampleEvent("ev-2", types.ActionCreditLoyalty)))

	credits, nfts := store.counts()
	assert.Equal(t, 0, credits)
	assert.Equal(t, 0, nfts)
}

func TestLoyaltyConsumer_DuplicateDeliverySkipped(t *testing.T) {
	store := newFakeRewardStore()
	c := NewLoyaltyConsumer(store)

	ev := sampleEvent("ev-1", types.ActionActivateSubscription)
	require.NoError(t, c.handle(context.Background(), ev))
	require.NoError(t, c.handle(context.Background(), ev))
	require.NoError(t, c.handle(context.Background(), ev))

	credits, nfts := store.counts()
	assert.Equal(t, 1, credits)
	assert.Equal(t, 1, nfts)
}

func TestLoyaltyConsumer_RunDrainsUntilBusCloses(t *testing.T) {
	store := newFakeRewardStore()
	c := NewLoyaltyConsumer(store)

	bus := NewBus(8)
	ch := bus.Subscribe("loyalty")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), ch)
	}()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionActivateSubscription)))
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-2", types.ActionEnqueueMint)))
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after bus close")
	}

	credits, _ := store.counts()
	assert.Equal(t, 2, credits)
}

// fakeEligibilityCache records Set calls keyed by cache key
type fakeEligibilityCache struct {
	mu   sync.Mutex
	sets map[string]time.Duration
}

func newFakeEligibilityCache() *fakeEligibilityCache {
	return &fakeEligibilityCache{sets: make(map[string]time.Duration)}
}

func (c *fakeEligibilityCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[key] = ttl
	return nil
}

func (c *fakeEligibilityCache) ttlFor(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl, ok := c.sets[key]
	return ttl, ok
}

func TestCheckinConsumer_ActivationMarksEligible(t *testing.T) {
	cache := newFakeEligibilityCache()
	c := NewCheckinConsumer(cache, time.Hour)

	bus := NewBus(8)
	ch := bus.Subscribe("checkin")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), ch)
	}()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionActivateSubscription)))
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-2", types.ActionSettlePOS)))
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after bus close")
	}

	ttl, ok := cache.ttlFor(CheckinEligibilityKey("user-1"))
	require.True(t, ok)
	assert.Equal(t, time.Hour, ttl)

	cache.mu.Lock()
	total := len(cache.sets)
	cache.mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestCheckinConsumer_MintMarksEligible(t *testing.T) {
	cache := newFakeEligibilityCache()
	c := NewCheckinConsumer(cache, time.Hour)

	bus := NewBus(8)
	ch := bus.Subscribe("checkin")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), ch)
	}()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionEnqueueMint)))
	bus.Close()
	<-done

	_, ok := cache.ttlFor(CheckinEligibilityKey("user-1"))
	assert.True(t, ok)
}

// flakySink fails a fixed number of inserts before accepting
type flakySink struct {
	mu       sync.Mutex
	failures int
	inserted []types.EntitlementEvent
}

func (s *flakySink) InsertEntitlementEvent(ctx context.Context, ev *types.EntitlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("analytics store unavailable")
	}
	s.inserted = append(s.inserted, *ev)
	return nil
}

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func TestAnalyticsConsumer_RetriesInserts(t *testing.T) {
	sink := &flakySink{failures: 2}
	c := NewAnalyticsConsumer(sink)

	bus := NewBus(8)
	ch := bus.Subscribe("analytics")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), ch)
	}()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionSettlePOS)))
	bus.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not stop after bus close")
	}

	assert.Equal(t, 1, sink.count())
}
