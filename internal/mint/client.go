package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
)

// ServiceClient talks to the external minting service. The service is
// a black box: it takes a mint order and returns a token ID.
type ServiceClient struct {
	baseURL string
	client  *http.Client
}

// NewServiceClient creates a minting service client
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type mintOrder struct {
	UserID          string `json:"user_id"`
	Tier            string `json:"tier"`
	BillingPeriod   string `json:"billing_period"`
	IdempotencyKey  string `json:"idempotency_key"`
	ContractAddress string `json:"contract_address"`
}

type mintResult struct {
	TokenID int64 `json:"token_id"`
}

// Mint submits a mint order and returns the minted token ID. The
// idempotency key lets the service collapse replays of the same order.
func (c *ServiceClient) Mint(ctx context.Context, userID, tier, billingPeriod, idempotencyKey, contract string) (int64, error) {
	raw, err := json.Marshal(mintOrder{
		UserID:          userID,
		Tier:            tier,
		BillingPeriod:   billingPeriod,
		IdempotencyKey:  idempotencyKey,
		ContractAddress: contract,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode mint order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mint", bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, serrors.NewRailUnavailableError("mint_service", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, serrors.NewRailUnavailableError("mint_service", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, serrors.NewRailUnavailableError("mint_service",
			fmt.Errorf("service returned %d: %s", resp.StatusCode, string(body)))
	}

	var result mintResult
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, serrors.NewRailUnavailableError("mint_service", fmt.Errorf("malformed response: %w", err))
	}

	return result.TokenID, nil
}
