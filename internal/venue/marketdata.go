package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

const (
	pathOrderBook     = "/open/option/orderbook/v1"
	pathOptionDetails = "/open/option/detail/v1"
	pathInstruments   = "/open/option/instruments/v1"
	pathFuturesPrice  = "/open/future/index/v1"

	defaultTTL  = 30 * time.Second
	maxCacheLen = 100
)

// ttlCache is a small bounded cache: entries expire after ttl, and once the
// cache reaches maxLen the single oldest entry is evicted before inserting a
// new one. Grounded in the venue's documented 30s/bounded-size recommendation
// for market data.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxLen  int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	storedAt time.Time
}

func newTTLCache(ttl time.Duration, maxLen int) *ttlCache {
	return &ttlCache{ttl: ttl, maxLen: maxLen, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *ttlCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxLen {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{value: value, storedAt: time.Now()}
}

func (c *ttlCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// MarketDataSource is the injected market-data contract: orderbook, option
// Greeks/IV, the option chain, and a spot-proxy futures price.
type MarketDataSource interface {
	GetOrderBook(ctx context.Context, symbol string) (*types.OrderBook, error)
	GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error)
	GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error)
	GetFuturesPrice(ctx context.Context, underlying string, useCache bool) (decimal.Decimal, error)
}

// CachedMarketData is the MarketDataSource implementation: it talks through
// a Transport and caches option details and the futures price for 30s,
// matching the documented TTL recommendation. Orderbook reads are never
// cached — staleness there would misprice a live fill decision.
type CachedMarketData struct {
	transport Transport
	details   *ttlCache
	futures   *ttlCache
}

// NewCachedMarketData builds a market-data source over transport.
func NewCachedMarketData(transport Transport) *CachedMarketData {
	return &CachedMarketData{
		transport: transport,
		details:   newTTLCache(defaultTTL, maxCacheLen),
		futures:   newTTLCache(defaultTTL, maxCacheLen),
	}
}

// GetOrderBook fetches a fresh top-of-book for symbol. Bids sorted
// descending, asks ascending; callers never assume a non-empty side.
func (m *CachedMarketData) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBook, error) {
	params := url.Values{"symbol": []string{symbol}}
	resp, err := m.transport.Do(ctx, http.MethodGet, pathOrderBook+buildQuery(params), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", symbol, err)
	}
	if !resp.Succeeded() {
		if isNotFound(resp.Msg) {
			return &types.OrderBook{Symbol: symbol}, nil
		}
		return nil, fmt.Errorf("get orderbook %s rejected: code=%d msg=%s", symbol, resp.Code, resp.Msg)
	}

	var data struct {
		Bids [][2]decimal.Decimal `json:"bids"`
		Asks [][2]decimal.Decimal `json:"asks"`
		Mark *decimal.Decimal    `json:"mark,omitempty"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("parse orderbook response: %w", err)
	}

	book := &types.OrderBook{Symbol: symbol, Mark: data.Mark}
	for _, lvl := range data.Bids {
		book.Bids = append(book.Bids, types.PriceLevel{Price: lvl[0], Size: lvl[1]})
	}
	for _, lvl := range data.Asks {
		book.Asks = append(book.Asks, types.PriceLevel{Price: lvl[0], Size: lvl[1]})
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book, nil
}

// GetOptionDetails fetches Greeks/mark/bid/ask/IV for a symbol, cached 30s.
func (m *CachedMarketData) GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	if cached, ok := m.details.get(symbol); ok {
		return cached.(*types.OptionDetails), nil
	}

	params := url.Values{"symbol": []string{symbol}}
	resp, err := m.transport.Do(ctx, http.MethodGet, pathOptionDetails+buildQuery(params), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get option details %s: %w", symbol, err)
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("get option details %s rejected: code=%d msg=%s", symbol, resp.Code, resp.Msg)
	}

	var details types.OptionDetails
	if err := json.Unmarshal(resp.Data, &details); err != nil {
		return nil, fmt.Errorf("parse option details response: %w", err)
	}
	details.Symbol = symbol

	m.details.set(symbol, &details)
	return &details, nil
}

// GetInstruments fetches the full option chain for an underlying. Never
// cached — chain membership changes daily and callers fetch it rarely.
func (m *CachedMarketData) GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	params := url.Values{"underlying": []string{underlying}}
	resp, err := m.transport.Do(ctx, http.MethodGet, pathInstruments+buildQuery(params), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get instruments %s: %w", underlying, err)
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("get instruments %s rejected: code=%d msg=%s", underlying, resp.Code, resp.Msg)
	}

	var instruments []types.Instrument
	if err := json.Unmarshal(resp.Data, &instruments); err != nil {
		return nil, fmt.Errorf("parse instruments response: %w", err)
	}
	return instruments, nil
}

// GetFuturesPrice fetches the spot-proxy index price for underlying. When
// useCache is false the cache is bypassed and a fresh value is fetched and
// restored into the cache.
func (m *CachedMarketData) GetFuturesPrice(ctx context.Context, underlying string, useCache bool) (decimal.Decimal, error) {
	if useCache {
		if cached, ok := m.futures.get(underlying); ok {
			return cached.(decimal.Decimal), nil
		}
	}

	params := url.Values{"underlying": []string{underlying}}
	resp, err := m.transport.Do(ctx, http.MethodGet, pathFuturesPrice+buildQuery(params), nil, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get futures price %s: %w", underlying, err)
	}
	if !resp.Succeeded() {
		return decimal.Zero, fmt.Errorf("get futures price %s rejected: code=%d msg=%s", underlying, resp.Code, resp.Msg)
	}

	var data struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return decimal.Zero, fmt.Errorf("parse futures price response: %w", err)
	}

	m.futures.set(underlying, data.Price)
	return data.Price, nil
}
