package classify

import (
	"tokenpulse/internal/domain"
)

// Helius transaction type tags
const (
	TypeSwap              = "SWAP"
	TypeAddLiquidity      = "ADD_LIQUIDITY"
	TypeWithdrawLiquidity = "WITHDRAW_LIQUIDITY"
)

// Amounts below this are rounding noise
const dust = 1e-9

// Result of a rule that matched
type Match struct {
	Kind   domain.EventKind
	Role   domain.CounterpartyRole
	Wallet string
	Amount float64
}

// One classification rule; rules run in order and the first match wins
type Rule interface {
	Name() string
	Match(v *view) (Match, bool)
}

// Evaluation order matters: liquidity before pool trades before plain transfers
func DefaultRules() []Rule {
	return []Rule{
		noMovementRule{},
		liquidityRule{},
		poolTradeRule{},
		swapTypeRule{},
		transferRule{},
	}
}

// Pre-digested transaction, built once per Classify call
type view struct {
	tx    domain.RawTransaction
	mint  string
	pools map[string]struct{}

	mintTransfers []domain.Transfer
	moved         float64 // net monitored mint received across all accounts
}

func newView(tx domain.RawTransaction, mint string, pools map[string]struct{}) *view {
	v := &view{tx: tx, mint: mint, pools: pools}

	net := make(map[string]float64)
	for _, t := range tx.Transfers {
		if t.Mint != mint || t.Amount <= 0 {
			continue
		}
		v.mintTransfers = append(v.mintTransfers, t)
		net[t.To] += t.Amount
		net[t.From] -= t.Amount
	}

	// a round trip A->B->A nets out to nothing
	for _, n := range net {
		if n > dust {
			v.moved += n
		}
	}
	return v
}

func (v *view) isPool(addr string) bool {
	_, ok := v.pools[addr]
	return ok
}

// Net inflow into addr, for the monitored mint (same) or every other mint (!same)
func (v *view) netInto(addr string, same bool) float64 {
	var net float64
	for _, t := range v.tx.Transfers {
		if (t.Mint == v.mint) != same {
			continue
		}
		if t.To == addr {
			net += t.Amount
		}
		if t.From == addr {
			net -= t.Amount
		}
	}
	return net
}

// --- rules ---

type noMovementRule struct{}

func (noMovementRule) Name() string { return "no_movement" }

func (noMovementRule) Match(v *view) (Match, bool) {
	if v.moved > 0 {
		return Match{}, false
	}
	return Match{Kind: domain.KindUnknown, Role: domain.RoleNone}, true
}

// Pool receives (or releases) both sides of the pair
type liquidityRule struct{}

func (liquidityRule) Name() string { return "liquidity" }

func (liquidityRule) Match(v *view) (Match, bool) {
	for _, t := range v.mintTransfers {
		var pool, wallet string
		switch {
		case v.isPool(t.To) && !v.isPool(t.From):
			pool, wallet = t.To, t.From
		case v.isPool(t.From) && !v.isPool(t.To):
			pool, wallet = t.From, t.To
		default:
			continue
		}

		mintNet := v.netInto(pool, true)
		otherNet := v.netInto(pool, false)

		switch {
		case mintNet > 0 && otherNet > 0:
			return Match{Kind: domain.KindLiquidityAdd, Role: domain.RolePool, Wallet: wallet, Amount: mintNet}, true
		case mintNet < 0 && otherNet < 0:
			return Match{Kind: domain.KindLiquidityRemove, Role: domain.RolePool, Wallet: wallet, Amount: -mintNet}, true
		}
	}

	// provider already tagged it
	switch v.tx.Type {
	case TypeAddLiquidity:
		return Match{Kind: domain.KindLiquidityAdd, Role: domain.RolePool, Wallet: v.tx.FeePayer, Amount: v.moved}, true
	case TypeWithdrawLiquidity:
		return Match{Kind: domain.KindLiquidityRemove, Role: domain.RolePool, Wallet: v.tx.FeePayer, Amount: v.moved}, true
	}

	return Match{}, false
}

// Monitored mint leaves a pool to a wallet (buy) or the other way (sell)
type poolTradeRule struct{}

func (poolTradeRule) Name() string { return "pool_trade" }

func (poolTradeRule) Match(v *view) (Match, bool) {
	for _, t := range v.mintTransfers {
		fromPool, toPool := v.isPool(t.From), v.isPool(t.To)
		switch {
		case fromPool && !toPool:
			return Match{Kind: domain.KindBuy, Role: domain.RolePool, Wallet: t.To, Amount: sumBetween(v, t.From, t.To)}, true
		case toPool && !fromPool:
			return Match{Kind: domain.KindSell, Role: domain.RolePool, Wallet: t.From, Amount: sumBetween(v, t.From, t.To)}, true
		}
	}
	return Match{}, false
}

// Swap through a market account we do not know (e.g. a bonding curve); direction from the fee payer
type swapTypeRule struct{}

func (swapTypeRule) Name() string { return "swap_type" }

func (swapTypeRule) Match(v *view) (Match, bool) {
	if v.tx.Type != TypeSwap || v.tx.FeePayer == "" {
		return Match{}, false
	}

	net := v.netInto(v.tx.FeePayer, true)
	switch {
	case net > 0:
		return Match{Kind: domain.KindBuy, Role: domain.RolePool, Wallet: v.tx.FeePayer, Amount: net}, true
	case net < 0:
		return Match{Kind: domain.KindSell, Role: domain.RolePool, Wallet: v.tx.FeePayer, Amount: -net}, true
	}
	return Match{}, false
}

// Wallet to wallet, no pool involved
type transferRule struct{}

func (transferRule) Name() string { return "transfer" }

func (transferRule) Match(v *view) (Match, bool) {
	for _, t := range v.mintTransfers {
		if t.From == "" || t.To == "" || v.isPool(t.From) || v.isPool(t.To) {
			continue
		}
		return Match{Kind: domain.KindTransfer, Role: domain.RoleWallet, Wallet: t.From, Amount: sumBetween(v, t.From, t.To)}, true
	}
	return Match{}, false
}

// Total monitored mint moved from -> to inside the transaction
func sumBetween(v *view, from, to string) float64 {
	var sum float64
	for _, t := range v.mintTransfers {
		if t.From == from && t.To == to {
			sum += t.Amount
		}
	}
	return sum
}
