package chainwatch

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lyfted-engineering/ZephyrPay/internal/circuitbreaker"
	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// transferTopic is the keccak256 of Transfer(address,address,uint256)
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient is the slice of ethclient.Client the watcher uses
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *gethtypes.Transaction, isPending bool, err error)
}

// PaymentStore is the slice of storage the watcher needs
type PaymentStore interface {
	Create(ctx context.Context, p *models.EthereumPayment) (bool, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.EthereumPayment, error)
	UpdateConfirmations(ctx context.Context, txHash string, confirmations uint64) error
	MarkConfirmed(ctx context.Context, txHash string, confirmations uint64, confirmedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, txHash string, reason types.FailureReason) (bool, error)
	ListNonTerminal(ctx context.Context, limit int) ([]*models.EthereumPayment, error)
}

// ConfirmedSink receives exactly one event per payment that reaches
// CONFIRMED.
type ConfirmedSink func(ctx context.Context, ev types.PaymentConfirmed)

// Config tunes the watcher
type Config struct {
	ConfirmationDepth uint64
	PollInterval      time.Duration
	MaxAbsentCycles   int
	TrackTimeout      time.Duration
}

// TrackRequest registers a transaction for observation
type TrackRequest struct {
	TxHash         string
	UserID         string
	ExpectedAmount string // token base units (or wei), decimal string
	ExpectedToken  string // ERC-20 contract, empty for native transfers
	Purpose        types.PaymentPurpose
	Tier           string
	OrderID        string
}

// ChainWatcher observes registered transactions until they accumulate
// the configured confirmation depth, then verifies amount and token
// before confirming. A transaction that disappears from the canonical
// chain before reaching depth fails with a reorg reason; confirmation
// is forever once granted, the watcher never revisits a confirmed
// payment.
type ChainWatcher struct {
	client  EthClient
	store   PaymentStore
	sink    ConfirmedSink
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  *logging.Logger

	mu       sync.Mutex
	watching map[string]struct{}
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewChainWatcher creates a chain watcher
func NewChainWatcher(client EthClient, store PaymentStore, sink ConfirmedSink, cfg Config) *ChainWatcher {
	if cfg.ConfirmationDepth == 0 {
		cfg.ConfirmationDepth = 6
	}
	return &ChainWatcher{
		client:   client,
		store:    store,
		sink:     sink,
		breaker:  circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("ethereum_rpc")),
		cfg:      cfg,
		logger:   logging.GetGlobalLogger().WithField("component", "chain_watcher"),
		watching: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// TrackPayment registers a transaction and starts observing it.
// Registering an already tracked hash is a no-op returning the
// existing record.
func (w *ChainWatcher) TrackPayment(ctx context.Context, req TrackRequest) (*models.EthereumPayment, error) {
	if !common.IsHexAddress(req.ExpectedToken) && req.ExpectedToken != "" {
		return nil, serrors.NewInvalidParameterError("expected_token", "not a valid address")
	}
	if len(req.TxHash) != 66 || !strings.HasPrefix(req.TxHash, "0x") {
		return nil, serrors.NewInvalidParameterError("tx_hash", "not a valid transaction hash")
	}
	if _, ok := new(big.Int).SetString(req.ExpectedAmount, 10); !ok {
		return nil, serrors.NewInvalidParameterError("expected_amount", "not a decimal integer")
	}

	p := &models.EthereumPayment{
		TxHash:         strings.ToLower(req.TxHash),
		UserID:         req.UserID,
		ExpectedAmount: req.ExpectedAmount,
		ExpectedToken:  strings.ToLower(req.ExpectedToken),
		Purpose:        req.Purpose,
		Tier:           req.Tier,
		OrderID:        req.OrderID,
		Status:         types.PaymentPending,
	}

	created, err := w.store.Create(ctx, p)
	if err != nil {
		return nil, serrors.NewDatabaseError("create payment", err)
	}
	if !created {
		return w.store.GetByTxHash(ctx, p.TxHash)
	}

	w.watch(p.TxHash)

	w.logger.WithFields(map[string]interface{}{
		"tx_hash": p.TxHash,
		"user_id": p.UserID,
		"purpose": string(p.Purpose),
	}).Info("Tracking payment")

	return p, nil
}

// GetPayment returns the current payment record
func (w *ChainWatcher) GetPayment(ctx context.Context, txHash string) (*models.EthereumPayment, error) {
	return w.store.GetByTxHash(ctx, strings.ToLower(txHash))
}

// Resume restarts observers for payments that were in flight at
// shutdown.
func (w *ChainWatcher) Resume(ctx context.Context) error {
	payments, err := w.store.ListNonTerminal(ctx, 1000)
	if err != nil {
		return err
	}
	for _, p := range payments {
		w.watch(p.TxHash)
	}
	if len(payments) > 0 {
		w.logger.Infof("Resumed observation of %d payment(s)", len(payments))
	}
	return nil
}

// Stop halts all observers and waits for them
func (w *ChainWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *ChainWatcher) watch(txHash string) {
	w.mu.Lock()
	if _, ok := w.watching[txHash]; ok {
		w.mu.Unlock()
		return
	}
	w.watching[txHash] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.observe(txHash)
}

// observe polls one transaction until it reaches a terminal state
func (w *ChainWatcher) observe(txHash string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.watching, txHash)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(w.cfg.TrackTimeout)
	ctx := context.Background()
	logger := w.logger.WithField("tx_hash", txHash)
	hash := common.HexToHash(txHash)

	absentCycles := 0
	seenOnChain := false

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			w.fail(ctx, txHash, types.ReasonTimeout, logger)
			return
		}

		var receipt *gethtypes.Receipt
		var head uint64
		err := w.breaker.Execute(ctx, func() error {
			var err error
			head, err = w.client.BlockNumber(ctx)
			if err != nil {
				return err
			}
			receipt, err = w.client.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				receipt = nil
				return nil
			}
			return err
		})
		if err != nil {
			if circuitbreaker.IsOpen(err) {
				logger.Debug("RPC breaker open, skipping poll cycle")
			} else {
				logger.WithError(err).Warn("Receipt poll failed")
			}
			continue
		}

		if receipt == nil {
			// A receipt that was present and is now gone means the
			// block carrying it left the canonical chain.
			if seenOnChain {
				w.fail(ctx, txHash, types.ReasonReorged, logger)
				return
			}
			absentCycles++
			if absentCycles >= w.cfg.MaxAbsentCycles {
				w.fail(ctx, txHash, types.ReasonAbsent, logger)
				return
			}
			continue
		}

		seenOnChain = true
		absentCycles = 0

		if receipt.Status == gethtypes.ReceiptStatusFailed {
			w.fail(ctx, txHash, types.ReasonReverted, logger)
			return
		}

		confirmations := uint64(0)
		if head >= receipt.BlockNumber.Uint64() {
			confirmations = head - receipt.BlockNumber.Uint64() + 1
		}

		if confirmations < w.cfg.ConfirmationDepth {
			if err := w.store.UpdateConfirmations(ctx, txHash, confirmations); err != nil {
				logger.WithError(err).Warn("Failed to record confirmation progress")
			}
			continue
		}

		if w.finalize(ctx, txHash, receipt, confirmations, logger) {
			return
		}
	}
}

// finalize verifies payment contents at depth and transitions the
// record. Returns false when a transient failure interrupted the
// transition, so the observer retries on the next cycle instead of
// abandoning a payment the chain has already settled.
func (w *ChainWatcher) finalize(ctx context.Context, txHash string, receipt *gethtypes.Receipt, confirmations uint64, logger *logging.Logger) bool {
	p, err := w.store.GetByTxHash(ctx, txHash)
	if err != nil {
		logger.WithError(err).Error("Payment lookup failed at finalization")
		return false
	}
	if p.Status.Terminal() {
		return true
	}

	reason, verr := w.verify(ctx, p, receipt)
	if verr != nil {
		if reason == "" {
			// Transport error, not a verification verdict.
			logger.WithError(verr).Warn("Verification interrupted, retrying")
			return false
		}
		logger.WithError(verr).Warn("Payment verification failed")
		w.fail(ctx, txHash, reason, logger)
		return true
	}

	won, err := w.store.MarkConfirmed(ctx, txHash, confirmations, time.Now())
	if err != nil {
		logger.WithError(err).Error("Failed to mark payment confirmed")
		return false
	}
	if !won {
		return true
	}

	logger.WithField("confirmations", confirmations).Info("Payment confirmed")

	w.sink(ctx, types.PaymentConfirmed{
		PaymentID:   p.TxHash,
		UserID:      p.UserID,
		Rail:        types.RailEthereum,
		Purpose:     p.Purpose,
		Amount:      p.ExpectedAmount,
		Token:       p.ExpectedToken,
		Tier:        p.Tier,
		OrderID:     p.OrderID,
		ConfirmedAt: time.Now(),
	})

	return true
}

// verify checks the on-chain amount and token against expectations.
// For ERC-20 payments the receipt's Transfer logs are authoritative;
// for native transfers the transaction value is.
func (w *ChainWatcher) verify(ctx context.Context, p *models.EthereumPayment, receipt *gethtypes.Receipt) (types.FailureReason, error) {
	expected, _ := new(big.Int).SetString(p.ExpectedAmount, 10)

	if p.ExpectedToken == "" {
		tx, _, err := w.client.TransactionByHash(ctx, receipt.TxHash)
		if err != nil {
			// No reason: an RPC failure here says nothing about the
			// transaction and must not mark the payment FAILED.
			return "", err
		}
		if tx.Value().Cmp(expected) != 0 {
			return types.ReasonAmountMismatch,
				serrors.NewAmountMismatchError(p.TxHash, p.ExpectedAmount, tx.Value().String())
		}
		return "", nil
	}

	wantToken := common.HexToAddress(p.ExpectedToken)
	var transferred *big.Int
	sawTransfer := false
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != transferTopic {
			continue
		}
		sawTransfer = true
		if lg.Address != wantToken {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data)
		if transferred == nil {
			transferred = amount
		} else {
			transferred = new(big.Int).Add(transferred, amount)
		}
	}

	if transferred == nil {
		if sawTransfer {
			return types.ReasonTokenMismatch,
				serrors.NewTokenMismatchError(p.TxHash, p.ExpectedToken, "other")
		}
		return types.ReasonTokenMismatch,
			serrors.NewTokenMismatchError(p.TxHash, p.ExpectedToken, "none")
	}
	if transferred.Cmp(expected) != 0 {
		return types.ReasonAmountMismatch,
			serrors.NewAmountMismatchError(p.TxHash, p.ExpectedAmount, transferred.String())
	}

	return "", nil
}

func (w *ChainWatcher) fail(ctx context.Context, txHash string, reason types.FailureReason, logger *logging.Logger) {
	won, err := w.store.MarkFailed(ctx, txHash, reason)
	if err != nil {
		logger.WithError(err).Error("Failed to mark payment failed")
		return
	}
	if won {
		logger.WithField("reason", string(reason)).Warn("Payment failed")
	}
}
