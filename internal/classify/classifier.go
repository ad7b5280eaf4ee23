package classify

import (
	"fmt"
	"math"

	"tokenpulse/internal/domain"
	"tokenpulse/internal/metrics"

	"gitlab.com/nevasik7/alerting/logger"
)

// Well-known market program and authority accounts that show up as the counterparty of
// monitored-mint transfers. Configured pool addresses are added on top.
var KnownPools = []string{
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM v4
	"5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1", // Raydium authority v4
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",  // Orca Whirlpool
	"LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo",  // Meteora DLMM
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",  // Pump.fun
	"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA",  // Pump.fun AMM
}

// Resolves raw transactions into semantic events. Pure, safe for concurrent use.
type Classifier struct {
	log   logger.Logger
	pools map[string]struct{}
	rules []Rule
}

func New(log logger.Logger, pools []string) (*Classifier, error) {
	set := make(map[string]struct{}, len(KnownPools)+len(pools))
	for _, p := range KnownPools {
		set[p] = struct{}{}
	}
	for _, p := range pools {
		if err := domain.ValidateAddress(p); err != nil {
			return nil, fmt.Errorf("pool address: %w", err)
		}
		set[p] = struct{}{}
	}

	return &Classifier{
		log:   log,
		pools: set,
		rules: DefaultRules(),
	}, nil
}

// Exactly one event per transaction; never fails. Mint is price.Address.
func (c *Classifier) Classify(tx domain.RawTransaction, price domain.PriceSnapshot) domain.ClassifiedEvent {
	v := newView(tx, price.Address, c.pools)

	ev := domain.ClassifiedEvent{
		Tx:   tx,
		Kind: domain.KindUnknown,
		Role: domain.RoleNone,
	}

	for _, r := range c.rules {
		m, ok := r.Match(v)
		if !ok {
			continue
		}

		ev.Kind = m.Kind
		ev.Role = m.Role
		ev.Wallet = m.Wallet
		ev.TokenAmount = math.Abs(m.Amount)
		break
	}

	if ev.Kind != domain.KindUnknown {
		ev.USDValue = ev.TokenAmount * price.Price
	}

	return ev
}

func (c *Classifier) ClassifyAll(txs []domain.RawTransaction, price domain.PriceSnapshot) []domain.ClassifiedEvent {
	out := make([]domain.ClassifiedEvent, 0, len(txs))
	for _, tx := range txs {
		ev := c.Classify(tx, price)
		metrics.ClassifiedEvents.WithLabelValues(string(ev.Kind)).Inc()
		out = append(out, ev)
	}

	c.log.Debugf("Classified %d transactions for %s", len(out), price.Address)
	return out
}
