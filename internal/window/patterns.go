package window

import (
	"sort"
	"time"

	"tokenpulse/internal/domain"
)

const (
	rapidGap     = 60 * time.Second
	botGap       = 3 * time.Second
	washMinTrade = 3
	washSpan     = 300 * time.Second
	sandwichGap  = 60 * time.Second
	multiHops    = 2
	topWallets   = 5
)

// Counters over chronologically sorted successful events
func detectPatterns(events []domain.ClassifiedEvent, largeUSD float64) domain.Patterns {
	p := domain.Patterns{TopWallets: []domain.WalletActivity{}}

	lastTrade := make(map[string]time.Time)
	walletTrades := make(map[string][]time.Time)
	activity := make(map[string]int64)

	var prevLarge time.Time
	haveLarge := false

	for _, ev := range events {
		if len(ev.Tx.Transfers) > multiHops {
			p.MultiTransfers++
		}
		if ev.Wallet != "" {
			activity[ev.Wallet]++
		}

		if !isTrade(ev.Kind) {
			continue
		}

		bucket(&p.Distribution, ev.TokenAmount)

		ts := ev.Tx.BlockTime
		if ev.Wallet != "" {
			if last, ok := lastTrade[ev.Wallet]; ok {
				gap := ts.Sub(last)
				if gap < rapidGap {
					p.RapidSwaps++
					if gap < botGap {
						p.BotTrades++
					}
				}
			}
			lastTrade[ev.Wallet] = ts
			walletTrades[ev.Wallet] = append(walletTrades[ev.Wallet], ts)
		}

		if ev.USDValue > largeUSD {
			if haveLarge && ts.Sub(prevLarge) < sandwichGap {
				p.SandwichSuspects++
			}
			prevLarge, haveLarge = ts, true
		}
	}

	for _, ts := range walletTrades {
		if len(ts) >= washMinTrade && ts[len(ts)-1].Sub(ts[0]) < washSpan {
			p.WashTrades++
		}
	}

	for wallet, n := range activity {
		p.TopWallets = append(p.TopWallets, domain.WalletActivity{Wallet: wallet, Events: n})
	}
	sort.Slice(p.TopWallets, func(i, j int) bool {
		if p.TopWallets[i].Events != p.TopWallets[j].Events {
			return p.TopWallets[i].Events > p.TopWallets[j].Events
		}
		return p.TopWallets[i].Wallet < p.TopWallets[j].Wallet
	})
	if len(p.TopWallets) > topWallets {
		p.TopWallets = p.TopWallets[:topWallets]
	}

	return p
}

func bucket(d *domain.VolumeDistribution, amount float64) {
	switch {
	case amount < 10:
		d.VerySmall++
	case amount < 100:
		d.Small++
	case amount < 1_000:
		d.Medium++
	case amount < 10_000:
		d.Large++
	default:
		d.VeryLarge++
	}
}
