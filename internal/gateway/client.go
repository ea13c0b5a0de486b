package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Client реализует Gateway поверх HTTP API внешнего сервиса переводов.
type Client struct {
	baseURL    string
	holder     common.Address
	httpClient *retryablehttp.Client
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type transferRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// NewClient создаёт клиент шлюза по указанному адресу. holder является счётом леджера.
func NewClient(baseURL string, holder common.Address) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    base,
		holder:     holder,
		httpClient: rc,
	}
}

// BalanceOf запрашивает баланс account в токене token.
func (c *Client) BalanceOf(ctx context.Context, account, token common.Address) (*big.Int, error) {
	url := fmt.Sprintf("%s/api/tokens/%s/balances/%s", c.baseURL, token.Hex(), account.Hex())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	balance, ok := new(big.Int).SetString(result.Balance, 10)
	if !ok || balance.Sign() < 0 {
		return nil, fmt.Errorf("malformed balance %q", result.Balance)
	}

	return balance, nil
}

// TransferFrom просит шлюз списать amount со счёта payer в пользу recipient.
func (c *Client) TransferFrom(ctx context.Context, payer, recipient, token common.Address, amount *big.Int) error {
	return c.post(ctx, fmt.Sprintf("%s/api/tokens/%s/transfer-from", c.baseURL, token.Hex()), transferRequest{
		From:    payer.Hex(),
		To:      recipient.Hex(),
		Spender: c.holder.Hex(),
		Amount:  amount.String(),
	})
}

// Transfer просит шлюз перевести amount со счёта леджера на счёт recipient.
func (c *Client) Transfer(ctx context.Context, recipient, token common.Address, amount *big.Int) error {
	return c.post(ctx, fmt.Sprintf("%s/api/tokens/%s/transfer", c.baseURL, token.Hex()), transferRequest{
		From:   c.holder.Hex(),
		To:     recipient.Hex(),
		Amount: amount.String(),
	})
}

// post отправляет запрос на перевод. Ключ идемпотентности один на все повторы запроса.
func (c *Client) post(ctx context.Context, url string, body transferRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, body.From)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInsufficientAllowance, body.From)
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
