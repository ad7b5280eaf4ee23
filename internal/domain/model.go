package domain

import (
	"fmt"
	"time"
)

// Kind of semantic event a raw transaction resolves to
type EventKind string

const (
	KindBuy             EventKind = "buy"
	KindSell            EventKind = "sell"
	KindTransfer        EventKind = "transfer"
	KindLiquidityAdd    EventKind = "liquidity_add"
	KindLiquidityRemove EventKind = "liquidity_remove"
	KindUnknown         EventKind = "unknown"
)

// Fixed set, order is used for rendering
var EventKinds = []EventKind{
	KindBuy,
	KindSell,
	KindTransfer,
	KindLiquidityAdd,
	KindLiquidityRemove,
	KindUnknown,
}

// Who was on the other side of the monitored token movement
type CounterpartyRole string

const (
	RolePool   CounterpartyRole = "pool"
	RoleWallet CounterpartyRole = "wallet"
	RoleNone   CounterpartyRole = "none"
)

// One token movement inside a transaction
type Transfer struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"` // ui amount (decimals applied by provider)
	Mint   string  `json:"mint"`
}

// Transaction record as returned by the transaction-data provider; immutable once fetched
type RawTransaction struct {
	Signature string     `json:"signature"`
	BlockTime time.Time  `json:"block_time"`
	FeePayer  string     `json:"fee_payer"`
	Type      string     `json:"type"` // provider tag: SWAP|TRANSFER|ADD_LIQUIDITY|...
	Transfers []Transfer `json:"transfers"`
	Fee       uint64     `json:"fee"` // lamports
	Success   bool       `json:"success"`
}

// RawTransaction with a semantic kind attached; exactly one per raw transaction
type ClassifiedEvent struct {
	Tx          RawTransaction   `json:"tx"`
	Kind        EventKind        `json:"kind"`
	Role        CounterpartyRole `json:"role"`
	Wallet      string           `json:"wallet"`       // trader/sender wallet, empty when unknown
	TokenAmount float64          `json:"token_amount"` // monitored token amount moved
	USDValue    float64          `json:"usd_value"`    // TokenAmount * current price
}

// Market data for a token from the price provider
type PriceSnapshot struct {
	Address   string    `json:"address"`
	Price     float64   `json:"price"`
	MarketCap float64   `json:"market_cap"`
	Volume24h float64   `json:"volume_24h"` // USD
	Liquidity float64   `json:"liquidity"`  // USD
	Holders   int       `json:"holders"`    // 0 when provider did not report
	FetchedAt time.Time `json:"fetched_at"`
}

// Half-open interval [From, To) by block time
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("%w: window bounds are required", ErrInvalidInput)
	}
	if !w.From.Before(w.To) {
		return fmt.Errorf("%w: window from=%s must be before to=%s", ErrInvalidInput, w.From, w.To)
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("%d-%d", w.From.Unix(), w.To.Unix())
}

// Last `d` ending at `now`, `now` truncated to `bucket` so repeated rolling queries share a cache entry
func LastWindow(now time.Time, d, bucket time.Duration) Window {
	to := now.UTC()
	if bucket > 0 {
		to = to.Truncate(bucket)
	}
	return Window{From: to.Add(-d), To: to}
}

type KindStat struct {
	Count int64   `json:"count"`
	USD   float64 `json:"usd"`
}

type LargeTrade struct {
	Signature   string    `json:"signature"`
	Wallet      string    `json:"wallet"`
	Kind        EventKind `json:"kind"`
	TokenAmount float64   `json:"token_amount"`
	USDValue    float64   `json:"usd_value"`
	BlockTime   time.Time `json:"block_time"`
}

// Count of trades per token-amount size bucket
type VolumeDistribution struct {
	VerySmall int64 `json:"very_small"` // < 10
	Small     int64 `json:"small"`      // < 100
	Medium    int64 `json:"medium"`     // < 1_000
	Large     int64 `json:"large"`      // < 10_000
	VeryLarge int64 `json:"very_large"`
}

type WalletActivity struct {
	Wallet string `json:"wallet"`
	Events int64  `json:"events"`
}

// Rule-based trading pattern counters over the window
type Patterns struct {
	RapidSwaps       int64              `json:"rapid_swaps"`
	BotTrades        int64              `json:"bot_trades"`
	WashTrades       int64              `json:"wash_trades"`
	SandwichSuspects int64              `json:"sandwich_suspects"`
	MultiTransfers   int64              `json:"multi_transfers"`
	Distribution     VolumeDistribution `json:"distribution"`
	TopWallets       []WalletActivity   `json:"top_wallets"`
}

// Unit returned to callers and stored in the cache
type MetricsSummary struct {
	Address string                  `json:"address"`
	Window  Window                  `json:"window"`
	Kinds   map[EventKind]*KindStat `json:"kinds"`

	FetchedCount   int64 `json:"fetched_count"` // raw transactions received from provider
	FailedCount    int64 `json:"failed_count"`  // excluded from aggregation
	AggregateCount int64 `json:"aggregate_count"`

	VolumeToken float64 `json:"volume_token"`
	VolumeUSD   float64 `json:"volume_usd"`
	BuyUSD      float64 `json:"buy_usd"`
	SellUSD     float64 `json:"sell_usd"`
	NetFlowUSD  float64 `json:"net_flow_usd"` // BuyUSD - SellUSD

	LargeTrades            []LargeTrade `json:"large_trades"`
	LargeTradeThresholdUSD float64      `json:"large_trade_threshold_usd"`

	HolderCount *int `json:"holder_count,omitempty"`
	HolderDelta *int `json:"holder_delta,omitempty"`

	ActiveWallets   int64    `json:"active_wallets"`
	TradesPerMinute float64  `json:"trades_per_minute"`
	Patterns        Patterns `json:"patterns"`

	Price              PriceSnapshot `json:"price"`
	PriceAvailable     bool          `json:"price_available"`
	PriceApproximation string        `json:"price_approximation"`

	Stale      bool      `json:"stale"`
	ComputedAt time.Time `json:"computed_at"`
}

// Note attached to every summary: USD values use the price at aggregation time
const PriceApproximationNote = "usd values use the current price, not the price at transaction time"

// Zero-valued summary with every kind present, rendered as "no activity"
func NewMetricsSummary(address string, w Window) *MetricsSummary {
	kinds := make(map[EventKind]*KindStat, len(EventKinds))
	for _, k := range EventKinds {
		kinds[k] = &KindStat{}
	}

	return &MetricsSummary{
		Address:            address,
		Window:             w,
		Kinds:              kinds,
		LargeTrades:        []LargeTrade{},
		Patterns:           Patterns{TopWallets: []WalletActivity{}},
		PriceApproximation: PriceApproximationNote,
	}
}

func (s *MetricsSummary) Count(k EventKind) int64 {
	if st, ok := s.Kinds[k]; ok && st != nil {
		return st.Count
	}
	return 0
}

func (s *MetricsSummary) TotalEvents() int64 {
	var n int64
	for _, st := range s.Kinds {
		if st != nil {
			n += st.Count
		}
	}
	return n
}
