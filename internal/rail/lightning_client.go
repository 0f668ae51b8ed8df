package rail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
)

// LightningClient talks to an LND-style REST API for invoice creation
// and settlement lookup. Requests are rate limited so invoice polling
// cannot starve the node.
type LightningClient struct {
	baseURL     string
	macaroonHex string
	client      *http.Client
	limiter     *rate.Limiter
	logger      *logging.Logger
}

// LightningInvoice is the subset of the node's invoice record the
// ledger needs.
type LightningInvoice struct {
	PaymentHash    string
	PaymentRequest string
	AmountSats     int64
	Settled        bool
	SettledAt      time.Time
}

// NewLightningClient creates a Lightning rail client
func NewLightningClient(baseURL, macaroonHex string, requestsPerSec float64) *LightningClient {
	return &LightningClient{
		baseURL:     baseURL,
		macaroonHex: macaroonHex,
		client:      &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
		logger:      logging.GetGlobalLogger().WithField("component", "lightning_client"),
	}
}

type addInvoiceRequest struct {
	Memo   string `json:"memo,omitempty"`
	Value  string `json:"value"`  // sats, as string per LND REST
	Expiry string `json:"expiry"` // seconds, as string
}

type addInvoiceResponse struct {
	RHash          string `json:"r_hash"` // base64
	PaymentRequest string `json:"payment_request"`
}

type lookupInvoiceResponse struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	Value          string `json:"value"`
	Settled        bool   `json:"settled"`
	SettleDate     string `json:"settle_date"` // unix seconds, as string
}

// AddInvoice asks the node for a new invoice
func (c *LightningClient) AddInvoice(ctx context.Context, amountSats int64, memo string, ttl time.Duration) (*LightningInvoice, error) {
	body := addInvoiceRequest{
		Memo:   memo,
		Value:  strconv.FormatInt(amountSats, 10),
		Expiry: strconv.FormatInt(int64(ttl.Seconds()), 10),
	}

	var resp addInvoiceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return nil, err
	}

	hash, err := rHashToHex(resp.RHash)
	if err != nil {
		return nil, serrors.NewRailUnavailableError("lightning", fmt.Errorf("malformed r_hash in response: %w", err))
	}

	return &LightningInvoice{
		PaymentHash:    hash,
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     amountSats,
	}, nil
}

// LookupInvoice fetches the current state of an invoice by payment hash
func (c *LightningClient) LookupInvoice(ctx context.Context, paymentHash string) (*LightningInvoice, error) {
	var resp lookupInvoiceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+paymentHash, nil, &resp); err != nil {
		return nil, err
	}

	inv := &LightningInvoice{
		PaymentHash:    paymentHash,
		PaymentRequest: resp.PaymentRequest,
		Settled:        resp.Settled,
	}
	if resp.Value != "" {
		inv.AmountSats, _ = strconv.ParseInt(resp.Value, 10, 64)
	}
	if resp.Settled && resp.SettleDate != "" {
		if secs, err := strconv.ParseInt(resp.SettleDate, 10, 64); err == nil {
			inv.SettledAt = time.Unix(secs, 0)
		}
	}

	return inv, nil
}

func (c *LightningClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.macaroonHex != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroonHex)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return serrors.NewRailUnavailableError("lightning", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return serrors.NewRailUnavailableError("lightning", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(map[string]interface{}{
			"status": resp.StatusCode,
			"path":   path,
		}).Warn("Lightning node returned non-200")
		return serrors.NewRailUnavailableError("lightning",
			fmt.Errorf("node returned %d: %s", resp.StatusCode, string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return serrors.NewRailUnavailableError("lightning", fmt.Errorf("malformed response: %w", err))
	}

	return nil
}

// rHashToHex converts LND's base64 r_hash into the hex payment hash
// used everywhere else.
func rHashToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
