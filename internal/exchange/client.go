// Package exchange implements the external collaborators of the trading
// core: the CLOB REST client for order management, the Gamma client for
// market metadata, and the claim backend for settlement redemption.
//
// The REST client (Client) talks to the CLOB API:
//   - GetOrderBook:  GET  /book                — fetch L2 book for a token
//   - PlaceOrder:    POST /order               — place one signed FOK/GTC order
//   - CancelOrder:   DELETE /order             — cancel one order by ID
//   - CancelAll:     DELETE /cancel-all        — emergency cancel everything
//   - GetOrder:      GET  /data/order/{id}     — fetch one order's current state
//   - DeriveAPIKey:  GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers (except book
// reads). Failures are wrapped into the transient/permanent OrderError
// taxonomy; callers never see raw HTTP errors.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"mercury/internal/config"
	"mercury/pkg/types"
)

// OrderRequest is one leg to place on the CLOB.
type OrderRequest struct {
	TokenID     string
	Side        types.Side
	Price       decimal.Decimal
	Size        decimal.Decimal // shares
	TimeInForce types.TimeInForce
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type SignedOrder struct {
	Salt          string     `json:"salt"`
	Maker         string     `json:"maker"`  // funder/proxy wallet address
	Signer        string     `json:"signer"` // EOA that signs the order
	Taker         string     `json:"taker"`  // zero address = open order
	TokenID       string     `json:"tokenId"`
	MakerAmount   string     `json:"makerAmount"`
	TakerAmount   string     `json:"takerAmount"`
	Side          types.Side `json:"side"`
	Expiration    string     `json:"expiration"`
	Nonce         string     `json:"nonce"`
	FeeRateBps    string     `json:"feeRateBps"`
	SignatureType int        `json:"signatureType"`
	Signature     string     `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // FOK or GTC
}

// OrderResponse is the REST API response for POST /order.
type OrderResponse struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	Status            string   `json:"status"` // live, matched, delayed, unmatched
	TakingAmount      string   `json:"takingAmount"`
	MakingAmount      string   `json:"makingAmount"`
	TransactionHashes []string `json:"transactionsHashes"`
}

// CancelResponse is returned by DELETE /order and /cancel-all.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// OrderDetail is the REST response from GET /data/order/{id}.
type OrderDetail struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Timestamp string          `json:"timestamp"`
	Bids      []types.WSLevel `json:"bids"`
	Asks      []types.WSLevel `json:"asks"`
}

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake fills without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.Retry.MaxAttempts).
		SetRetryWaitTime(time.Duration(cfg.Retry.MinWaitSeconds * float64(time.Second))).
		SetRetryMaxWaitTime(time.Duration(cfg.Retry.MaxWaitSeconds * float64(time.Second))).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "clob_client"),
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, wrapErr("get book", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, wrapErr("get book", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return &result, nil
}

// buildOrderPayload converts an OrderRequest into the on-chain SignedOrder +
// metadata the REST API expects. It converts price/size to 6-decimal
// maker/taker amounts, sets the maker to the funder wallet (proxy), the
// signer to the EOA, and the taker to the zero address (anyone can fill).
func (c *Client) buildOrderPayload(req OrderRequest) OrderPayload {
	makerAmt, takerAmt := PriceToAmounts(req.Price, req.Size, req.Side)

	tif := req.TimeInForce
	if tif == "" {
		tif = types.TifFOK
	}

	return OrderPayload{
		Order: SignedOrder{
			Salt:          strconv.FormatInt(rand.Int63(), 10),
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       req.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Side:          req.Side,
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: string(tif),
	}
}

// PlaceOrder places one order and maps the response to a types.Order. A FOK
// order either comes back matched or is reported with a rejection status;
// classification of the pair is the execution engine's job, this method
// only translates.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	now := time.Now()
	order := types.Order{
		TokenID:        req.TokenID,
		Side:           req.Side,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		SubmittedAt:    now,
	}

	if c.dryRun {
		order.OrderID = fmt.Sprintf("dry-run-%d", now.UnixNano())
		order.Status = types.OrderMatched
		order.FilledSize = req.Size
		order.FilledCost = req.Size.Mul(req.Price)
		order.CompletedAt = time.Now()
		c.logger.Info("DRY-RUN: simulated fill",
			"token", req.TokenID, "side", req.Side, "price", req.Price, "size", req.Size)
		return order, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return order, err
	}

	payload := c.buildOrderPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return order, wrapErr("place order", KindValidation, err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return order, wrapErr("place order", KindAuth, err)
	}

	var result OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return order, wrapErr("place order", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return order, wrapErr("place order", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	order.OrderID = result.OrderID
	order.CompletedAt = time.Now()
	if !result.Success {
		order.Status = types.OrderRejected
		order.ErrorMsg = result.ErrorMsg
		return order, nil
	}

	order.Status = mapOrderStatus(result.Status)
	if order.Status == types.OrderMatched {
		order.FilledSize, order.FilledCost = fillFromAmounts(req, result)
	}
	return order, nil
}

// CancelOrder cancels one order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return wrapErr("cancel order", KindAuth, err)
	}

	var result CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return wrapErr("cancel order", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return wrapErr("cancel order", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return wrapErr("cancel all", KindAuth, err)
	}

	var result CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return wrapErr("cancel all", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return wrapErr("cancel all", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return nil
}

// GetOrder fetches the current state of one order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, wrapErr("get order", KindAuth, err)
	}

	var result OrderDetail
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, wrapErr("get order", KindNetwork, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, wrapErr("get order", KindNotFound, fmt.Errorf("order %s", orderID))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, wrapErr("get order", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, wrapErr("derive api key", KindAuth, err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, wrapErr("derive api key", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, wrapErr("derive api key", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// mapOrderStatus translates the CLOB status string.
func mapOrderStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "matched":
		return types.OrderMatched
	case "live", "delayed":
		return types.OrderLive
	case "unmatched":
		return types.OrderRejected
	default:
		return types.OrderFailed
	}
}

// fillFromAmounts derives filled size/cost from the response amounts,
// falling back to the requested values when the API omits them.
func fillFromAmounts(req OrderRequest, result OrderResponse) (size, cost decimal.Decimal) {
	size = req.Size
	cost = req.Size.Mul(req.Price)
	if result.TakingAmount != "" {
		if v, err := decimal.NewFromString(result.TakingAmount); err == nil && v.GreaterThan(decimal.Zero) {
			size = v
		}
	}
	if result.MakingAmount != "" {
		if v, err := decimal.NewFromString(result.MakingAmount); err == nil && v.GreaterThan(decimal.Zero) {
			cost = v
		}
	}
	return size, cost
}
