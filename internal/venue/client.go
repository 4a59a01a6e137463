package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

// Endpoint paths, grounded in the documented order/RFQ contract.
const (
	pathCreateOrder  = "/open/option/option/order/create/v1"
	pathCancelOrder  = "/open/option/order/cancel/v1"
	pathQueryOrder   = "/open/option/order/singleQuery/v1"
	pathCreateRFQ    = "/open/option/rfq/create/v1"
	pathPollQuotes   = "/open/option/rfq/quotes/v1"
	pathAcceptQuote  = "/open/option/rfq/accept/v1"
	pathCancelRFQ    = "/open/option/rfq/cancel/v1"
	pathPositions    = "/open/option/position/list/v1"
	pathAccountInfo  = "/open/option/account/summary/v1"
)

// rfqDryRunExpiry is the fake expiry window handed back by CreateRFQ in
// dry-run mode, since there is no venue response to read one from.
const rfqDryRunExpiry = 60 * time.Second

// Client is the daemon's venue client: order placement/cancellation/query,
// RFQ submission/polling/accept/cancel, and account/position reads. It never
// talks HTTP directly — everything goes through the injected Transport so
// tests can substitute a fake.
type Client struct {
	transport Transport
	dryRun    bool // when true, mutating methods return fake success without a round-trip
	logger    *slog.Logger
}

// NewClient wraps a Transport with the order/RFQ/account endpoint contract.
// When dryRun is true, every mutating call (CreateOrder, CancelOrder,
// CreateRFQ, AcceptQuote, CancelRFQ) short-circuits to a fake success instead
// of reaching the venue; reads (QueryOrder, PollQuotes, GetPositions,
// GetAccountSummary) still hit the transport.
func NewClient(transport Transport, dryRun bool, logger *slog.Logger) *Client {
	return &Client{transport: transport, dryRun: dryRun, logger: logger.With("component", "venue_client")}
}

func tradeSideCode(side types.Side) int {
	if side == types.Sell {
		return 2
	}
	return 1
}

func sideFromCode(code int) types.Side {
	if code == 2 {
		return types.Sell
	}
	return types.Buy
}

// CreateOrderRequest is the body for order placement. Price is omitted for
// market orders.
type CreateOrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          types.Side
	Price         *decimal.Decimal
	ClientOrderID string
}

// CreateOrder places a single limit or market order and returns the venue's
// order identifier.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()[:8]
		c.logger.Info("dry-run: would create order", "symbol", req.Symbol, "qty", req.Qty, "side", req.Side, "order_id", id)
		return id, nil
	}

	tradeType := 1 // limit
	body := map[string]any{
		"symbol":     req.Symbol,
		"qty":        req.Qty.String(),
		"tradeSide":  tradeSideCode(req.Side),
		"tradeType":  tradeType,
	}
	if req.Price != nil {
		body["price"] = req.Price.String()
	} else {
		body["tradeType"] = 2 // market
	}
	if req.ClientOrderID != "" {
		body["clientOrderId"] = req.ClientOrderID
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, pathCreateOrder, body, nil)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if !resp.Succeeded() {
		return "", fmt.Errorf("create order rejected: code=%d msg=%s", resp.Code, resp.Msg)
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("parse create order response: %w", err)
	}
	return data.OrderID, nil
}

// CancelOrder cancels a single order by id. Venue errors (already filled,
// unknown id) are returned as an error for the caller to log and treat as
// best-effort.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "order_id", orderID)
		return nil
	}

	body := map[string]any{"orderId": orderID}
	resp, err := c.transport.Do(ctx, http.MethodPost, pathCancelOrder, body, nil)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("cancel order %s rejected: code=%d msg=%s", orderID, resp.Code, resp.Msg)
	}
	return nil
}

// QueryOrder fetches the current state of a single order.
func (c *Client) QueryOrder(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	params := url.Values{"orderId": []string{orderID}}
	resp, err := c.transport.Do(ctx, http.MethodGet, pathQueryOrder+buildQuery(params), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", orderID, err)
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("query order %s rejected: code=%d msg=%s", orderID, resp.Code, resp.Msg)
	}

	var data struct {
		OrderID   string          `json:"orderId"`
		Symbol    string          `json:"symbol"`
		Qty       decimal.Decimal `json:"qty"`
		FillQty   decimal.Decimal `json:"fillQty"`
		RemainQty decimal.Decimal `json:"remainQty"`
		AvgPrice  decimal.Decimal `json:"avgPrice"`
		State     int             `json:"state"`
		TradeSide int             `json:"tradeSide"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("parse query order response: %w", err)
	}

	return &types.OrderStatus{
		OrderID:      data.OrderID,
		Symbol:       data.Symbol,
		Qty:          data.Qty,
		FilledQty:    data.FillQty,
		RemainingQty: data.RemainQty,
		AvgPrice:     data.AvgPrice,
		State:        types.OrderState(data.State),
		Side:         sideFromCode(data.TradeSide),
	}, nil
}

// RFQLeg is one leg of an RFQ submission.
type RFQLeg struct {
	Symbol string
	Side   types.Side
	Qty    decimal.Decimal
}

// CreateRFQ submits a multi-leg structure for block quotes and returns the
// request identifier plus its venue-assigned expiry.
func (c *Client) CreateRFQ(ctx context.Context, legs []RFQLeg) (requestID string, expiryMs int64, err error) {
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()[:8]
		c.logger.Info("dry-run: would create rfq", "legs", len(legs), "request_id", id)
		return id, time.Now().Add(rfqDryRunExpiry).UnixMilli(), nil
	}

	legBodies := make([]map[string]any, len(legs))
	for i, leg := range legs {
		legBodies[i] = map[string]any{
			"instrumentName": leg.Symbol,
			"side":           tradeSideCode(leg.Side),
			"qty":            leg.Qty.String(),
		}
	}
	body := map[string]any{"legs": legBodies}

	resp, doErr := c.transport.Do(ctx, http.MethodPost, pathCreateRFQ, body, nil)
	if doErr != nil {
		return "", 0, fmt.Errorf("create rfq: %w", doErr)
	}
	if !resp.Succeeded() {
		return "", 0, fmt.Errorf("create rfq rejected: code=%d msg=%s", resp.Code, resp.Msg)
	}

	var data struct {
		RequestID  string `json:"requestId"`
		ExpiryTime int64  `json:"expiryTime"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", 0, fmt.Errorf("parse create rfq response: %w", err)
	}
	return data.RequestID, data.ExpiryTime, nil
}

// PollQuotes fetches the current set of quotes for an RFQ request.
func (c *Client) PollQuotes(ctx context.Context, requestID string) ([]types.Quote, error) {
	params := url.Values{"requestId": []string{requestID}}
	resp, err := c.transport.Do(ctx, http.MethodGet, pathPollQuotes+buildQuery(params), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("poll quotes for %s: %w", requestID, err)
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("poll quotes for %s rejected: code=%d msg=%s", requestID, resp.Code, resp.Msg)
	}

	var raw []struct {
		QuoteID    string `json:"quoteId"`
		RequestID  string `json:"requestId"`
		State      int    `json:"state"`
		CreateTime int64  `json:"createTime"`
		ExpiryTime int64  `json:"expiryTime"`
		Legs       []struct {
			Side  int             `json:"side"`
			Qty   decimal.Decimal `json:"qty"`
			Price decimal.Decimal `json:"price"`
		} `json:"legs"`
	}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("parse poll quotes response: %w", err)
	}

	quotes := make([]types.Quote, len(raw))
	for i, q := range raw {
		legs := make([]types.QuoteLeg, len(q.Legs))
		for j, l := range q.Legs {
			legs[j] = types.QuoteLeg{Side: sideFromCode(l.Side), Qty: l.Qty, Price: l.Price}
		}
		quotes[i] = types.Quote{
			ID:        q.QuoteID,
			RequestID: q.RequestID,
			State:     types.QuoteState(q.State),
			Legs:      legs,
			ExpiryMs:  q.ExpiryTime,
		}
	}
	return quotes, nil
}

// AcceptQuote accepts a specific quote within an RFQ request. Per the
// documented contract this is a form-urlencoded POST.
func (c *Client) AcceptQuote(ctx context.Context, requestID, quoteID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would accept quote", "request_id", requestID, "quote_id", quoteID)
		return nil
	}

	form := url.Values{"requestId": []string{requestID}, "quoteId": []string{quoteID}}
	resp, err := c.transport.Do(ctx, http.MethodPost, pathAcceptQuote, nil, form)
	if err != nil {
		return fmt.Errorf("accept quote %s: %w", quoteID, err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("accept quote %s rejected: code=%d msg=%s", quoteID, resp.Code, resp.Msg)
	}
	return nil
}

// CancelRFQ cancels an outstanding RFQ request. Form-urlencoded per contract.
func (c *Client) CancelRFQ(ctx context.Context, requestID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel rfq", "request_id", requestID)
		return nil
	}

	form := url.Values{"requestId": []string{requestID}}
	resp, err := c.transport.Do(ctx, http.MethodPost, pathCancelRFQ, nil, form)
	if err != nil {
		return fmt.Errorf("cancel rfq %s: %w", requestID, err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("cancel rfq %s rejected: code=%d msg=%s", requestID, resp.Code, resp.Msg)
	}
	return nil
}

// GetPositions fetches the current position list.
func (c *Client) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	resp, err := c.transport.Do(ctx, http.MethodGet, pathPositions, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if !resp.Succeeded() {
		if isNotFound(resp.Msg) {
			return nil, nil
		}
		return nil, fmt.Errorf("get positions rejected: code=%d msg=%s", resp.Code, resp.Msg)
	}

	var raw []struct {
		PositionID string          `json:"positionId"`
		Symbol     string          `json:"symbol"`
		Qty        decimal.Decimal `json:"qty"`
		Side       string          `json:"side"`
		EntryPrice decimal.Decimal `json:"entryPrice"`
		MarkPrice  decimal.Decimal `json:"markPrice"`
		UnPnL      decimal.Decimal `json:"unrealizedPnl"`
		ROI        decimal.Decimal `json:"roi"`
		Delta      decimal.Decimal `json:"delta"`
		Gamma      decimal.Decimal `json:"gamma"`
		Theta      decimal.Decimal `json:"theta"`
		Vega       decimal.Decimal `json:"vega"`
	}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("parse positions response: %w", err)
	}

	positions := make([]types.PositionSnapshot, len(raw))
	for i, p := range raw {
		positions[i] = types.PositionSnapshot{
			PositionID:    p.PositionID,
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			SideLabel:     p.Side,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnPnL,
			ROI:           p.ROI,
			Delta:         p.Delta,
			Gamma:         p.Gamma,
			Theta:         p.Theta,
			Vega:          p.Vega,
		}
	}
	return positions, nil
}

// AccountSummary is the margin/equity view returned by GetAccountSummary.
type AccountSummary struct {
	Equity            decimal.Decimal
	AvailableMargin   decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}

// GetAccountSummary fetches margin and equity fields.
func (c *Client) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	resp, err := c.transport.Do(ctx, http.MethodGet, pathAccountInfo, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get account summary: %w", err)
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("get account summary rejected: code=%d msg=%s", resp.Code, resp.Msg)
	}

	var data struct {
		Equity            decimal.Decimal `json:"equity"`
		AvailableMargin   decimal.Decimal `json:"availableMargin"`
		InitialMargin     decimal.Decimal `json:"initialMargin"`
		MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
		UnrealizedPnL     decimal.Decimal `json:"unrealizedPnl"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("parse account summary response: %w", err)
	}

	return &AccountSummary{
		Equity:            data.Equity,
		AvailableMargin:   data.AvailableMargin,
		InitialMargin:     data.InitialMargin,
		MaintenanceMargin: data.MaintenanceMargin,
		UnrealizedPnL:     data.UnrealizedPnL,
	}, nil
}
