package mint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyfted-engineering/ZephyrPay/internal/circuitbreaker"
	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/retry"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// MembershipStore is the slice of storage the coordinator needs
type MembershipStore interface {
	ClaimMint(ctx context.Context, m *models.NFTMembership) (bool, error)
	GetByKey(ctx context.Context, key string) (*models.NFTMembership, error)
	GetActive(ctx context.Context, userID string, now time.Time) (*models.NFTMembership, error)
	MarkMinted(ctx context.Context, key string, tokenID int64) (bool, error)
	MarkMintFailed(ctx context.Context, key string) (bool, error)
	IncrementAttempts(ctx context.Context, key string) error
	Requeue(ctx context.Context, key string) (bool, error)
	ListPending(ctx context.Context, limit int) ([]*models.NFTMembership, error)
}

// Minter submits mint orders to the minting service
type Minter interface {
	Mint(ctx context.Context, userID, tier, billingPeriod, idempotencyKey, contract string) (int64, error)
}

// FailureSink is notified when a mint request exhausts its retry
// budget.
type FailureSink func(ctx context.Context, m *models.NFTMembership, cause error)

// Config tunes the coordinator
type Config struct {
	ContractAddress string
	MaxAttempts     int
	InitialBackoff  time.Duration
	QueueSize       int
	Workers         int
}

// Coordinator serializes NFT membership mints through a queue of
// worker goroutines. The unique mint idempotency key claimed in the
// store is the dedup point: concurrent requests for the same
// (user, tier, billing period) collapse to one queued mint no matter
// how they interleave.
type Coordinator struct {
	store   MembershipStore
	minter  Minter
	onFail  FailureSink
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  *logging.Logger

	queue    chan string // mint idempotency keys
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCoordinator creates a mint coordinator
func NewCoordinator(store MembershipStore, minter Minter, onFail FailureSink, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Coordinator{
		store:   store,
		minter:  minter,
		onFail:  onFail,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("mint_service")),
		cfg:     cfg,
		logger:  logging.GetGlobalLogger().WithField("component", "mint_coordinator"),
		queue:   make(chan string, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker pool and requeues any requests left
// PENDING by a previous run.
func (c *Coordinator) Start(ctx context.Context) error {
	pending, err := c.store.ListPending(ctx, c.cfg.QueueSize)
	if err != nil {
		return err
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	for _, m := range pending {
		select {
		case c.queue <- m.IdempotencyKey:
		default:
			c.logger.WithField("key", m.IdempotencyKey).Warn("Mint queue full during resume")
		}
	}
	if len(pending) > 0 {
		c.logger.Infof("Requeued %d pending mint(s)", len(pending))
	}

	return nil
}

// Stop drains the workers
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	c.wg.Wait()
}

// RequestMint claims and enqueues a mint for (user, tier, billing
// period). If a request for that key already exists the existing
// record is returned and nothing is enqueued; a prior MINT_FAILED
// record stays failed until explicitly retried.
func (c *Coordinator) RequestMint(ctx context.Context, userID, tier, billingPeriod string, expiration time.Time) (*models.NFTMembership, error) {
	if tier == "" {
		return nil, serrors.NewInvalidParameterError("tier", "is required")
	}
	if billingPeriod == "" {
		return nil, serrors.NewInvalidParameterError("billing_period", "is required")
	}

	m := &models.NFTMembership{
		ID:              uuid.New().String(),
		UserID:          userID,
		Tier:            tier,
		BillingPeriod:   billingPeriod,
		IdempotencyKey:  models.MintIdempotencyKey(userID, tier, billingPeriod),
		ContractAddress: c.cfg.ContractAddress,
		Status:          types.MintPending,
		Expiration:      expiration,
	}

	claimed, err := c.store.ClaimMint(ctx, m)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return c.store.GetByKey(ctx, m.IdempotencyKey)
	}

	c.enqueue(m.IdempotencyKey)

	c.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"tier":    tier,
		"period":  billingPeriod,
	}).Info("Mint request enqueued")

	return m, nil
}

// RetryMint flips a MINT_FAILED request back to PENDING and re-enqueues
// it. Returns the refreshed record; a request that is not failed is
// returned unchanged.
func (c *Coordinator) RetryMint(ctx context.Context, key string) (*models.NFTMembership, error) {
	requeued, err := c.store.Requeue(ctx, key)
	if err != nil {
		return nil, err
	}
	if requeued {
		c.enqueue(key)
	}
	return c.store.GetByKey(ctx, key)
}

// GetMembership returns a mint record by idempotency key
func (c *Coordinator) GetMembership(ctx context.Context, key string) (*models.NFTMembership, error) {
	return c.store.GetByKey(ctx, key)
}

// VerifyMembership reports whether the user holds a live minted
// membership.
func (c *Coordinator) VerifyMembership(ctx context.Context, userID string) (*models.NFTMembership, bool, error) {
	m, err := c.store.GetActive(ctx, userID, time.Now())
	if err != nil {
		var svcErr *types.ServiceError
		if errors.As(err, &svcErr) && svcErr.Code == "MEMBERSHIP_NOT_FOUND" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

func (c *Coordinator) enqueue(key string) {
	select {
	case c.queue <- key:
	default:
		// Queue full: the request stays PENDING in the store and the
		// next resume pass picks it up.
		c.logger.WithField("key", key).Warn("Mint queue full, deferring to resume")
	}
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case key := <-c.queue:
			c.process(ctx, key)
		}
	}
}

// process drives one mint request through its retry budget
func (c *Coordinator) process(ctx context.Context, key string) {
	logger := c.logger.WithField("key", key)

	m, err := c.store.GetByKey(ctx, key)
	if err != nil {
		logger.WithError(err).Error("Mint lookup failed")
		return
	}
	if m.Status != types.MintPending {
		return
	}

	cfg := &retry.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: c.cfg.InitialBackoff,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}

	var tokenID int64
	err = retry.DoWithConfig(ctx, cfg, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := c.store.IncrementAttempts(ctx, key); err != nil {
				logger.WithError(err).Warn("Failed to record mint attempt")
			}
		}
		return c.breaker.Execute(ctx, func() error {
			var merr error
			tokenID, merr = c.minter.Mint(ctx, m.UserID, m.Tier, m.BillingPeriod, key, m.ContractAddress)
			return merr
		})
	})

	if err != nil {
		mintErr := serrors.NewMintFailedError(key, c.cfg.MaxAttempts, err)
		logger.WithError(mintErr).Error("Mint exhausted retry budget")
		if _, ferr := c.store.MarkMintFailed(ctx, key); ferr != nil {
			logger.WithError(ferr).Error("Failed to record mint failure")
		}
		if c.onFail != nil {
			c.onFail(ctx, m, mintErr)
		}
		return
	}

	won, err := c.store.MarkMinted(ctx, key, tokenID)
	if err != nil {
		logger.WithError(err).Error("Failed to record minted token")
		return
	}
	if won {
		logger.WithField("token_id", tokenID).Info("Membership minted")
	}
}
