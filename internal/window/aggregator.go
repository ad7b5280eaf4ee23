package window

import (
	"errors"
	"sort"

	"tokenpulse/internal/config"
	"tokenpulse/internal/domain"

	"gitlab.com/nevasik7/alerting/logger"
)

/*
	Folds classified events of one token into a MetricsSummary for a time window.
	Pure function of its inputs: no I/O, no shared state.
*/

type Aggregator interface {
	Aggregate(events []domain.ClassifiedEvent, w domain.Window, snap domain.PriceSnapshot, prevHolders *int) *domain.MetricsSummary
}

type WindowAggregator struct {
	Log                logger.Logger
	LargeTradeFraction float64 // share of 24h volume that makes a trade "large"
	LargeTradeMinUSD   float64 // used when 24h volume is unknown
	TopN               int     // large trades kept in summary
}

func NewAggregator(log logger.Logger, cfg *config.AnalyzerConfig) (*WindowAggregator, error) {
	if cfg == nil {
		return nil, errors.New("config is required to the aggregator")
	}

	fraction := cfg.LargeTradeFraction
	if fraction <= 0 {
		fraction = 0.01 // by default 1% of 24h volume
	}

	minUSD := cfg.LargeTradeMinUSD
	if minUSD <= 0 {
		minUSD = 1000
	}

	topN := cfg.TopN
	if topN <= 0 {
		topN = 10
	}

	return &WindowAggregator{
		Log:                log,
		LargeTradeFraction: fraction,
		LargeTradeMinUSD:   minUSD,
		TopN:               topN,
	}, nil
}

func (a *WindowAggregator) Aggregate(events []domain.ClassifiedEvent, w domain.Window, snap domain.PriceSnapshot, prevHolders *int) *domain.MetricsSummary {
	s := domain.NewMetricsSummary(snap.Address, w)
	s.Price = snap
	s.FetchedCount = int64(len(events))
	s.LargeTradeThresholdUSD = a.threshold(snap)

	// keep successful events inside [from, to)
	in := make([]domain.ClassifiedEvent, 0, len(events))
	for _, ev := range events {
		if !w.Contains(ev.Tx.BlockTime) {
			continue
		}
		if !ev.Tx.Success {
			s.FailedCount++
			continue
		}
		in = append(in, ev)
	}

	// chronological, signature as tie breaker so output does not depend on input order
	sort.SliceStable(in, func(i, j int) bool {
		ti, tj := in[i].Tx.BlockTime, in[j].Tx.BlockTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return in[i].Tx.Signature < in[j].Tx.Signature
	})

	wallets := make(map[string]struct{})
	var large []domain.LargeTrade
	var trades int64

	for _, ev := range in {
		st, ok := s.Kinds[ev.Kind]
		if !ok {
			st = &domain.KindStat{}
			s.Kinds[ev.Kind] = st
		}
		st.Count++
		st.USD += ev.USDValue
		s.AggregateCount++

		if ev.Wallet != "" {
			wallets[ev.Wallet] = struct{}{}
		}

		// whale transfers and liquidity moves are large trades too
		if ev.Kind != domain.KindUnknown && ev.USDValue > s.LargeTradeThresholdUSD {
			large = append(large, domain.LargeTrade{
				Signature:   ev.Tx.Signature,
				Wallet:      ev.Wallet,
				Kind:        ev.Kind,
				TokenAmount: ev.TokenAmount,
				USDValue:    ev.USDValue,
				BlockTime:   ev.Tx.BlockTime,
			})
		}

		if !isTrade(ev.Kind) {
			continue
		}

		trades++
		s.VolumeToken += ev.TokenAmount
		s.VolumeUSD += ev.USDValue
		if ev.Kind == domain.KindBuy {
			s.BuyUSD += ev.USDValue
		} else {
			s.SellUSD += ev.USDValue
		}
	}

	s.NetFlowUSD = s.BuyUSD - s.SellUSD
	s.ActiveWallets = int64(len(wallets))
	if minutes := w.Duration().Minutes(); minutes > 0 {
		s.TradesPerMinute = float64(trades) / minutes
	}

	s.Patterns = detectPatterns(in, s.LargeTradeThresholdUSD)
	s.LargeTrades = topLargeTrades(large, a.TopN)

	if snap.Holders > 0 {
		holders := snap.Holders
		s.HolderCount = &holders
		if prevHolders != nil && *prevHolders > 0 {
			delta := holders - *prevHolders
			s.HolderDelta = &delta
		}
	}

	a.Log.Debugf("Aggregated %s window=%s events=%d failed=%d large=%d",
		snap.Address, w, s.AggregateCount, s.FailedCount, len(s.LargeTrades))

	return s
}

func (a *WindowAggregator) threshold(snap domain.PriceSnapshot) float64 {
	if snap.Volume24h > 0 {
		return a.LargeTradeFraction * snap.Volume24h
	}
	return a.LargeTradeMinUSD
}

func isTrade(k domain.EventKind) bool {
	return k == domain.KindBuy || k == domain.KindSell
}

// Descending USD; ties by earlier block time, then signature
func topLargeTrades(large []domain.LargeTrade, n int) []domain.LargeTrade {
	sort.Slice(large, func(i, j int) bool {
		if large[i].USDValue != large[j].USDValue {
			return large[i].USDValue > large[j].USDValue
		}
		if !large[i].BlockTime.Equal(large[j].BlockTime) {
			return large[i].BlockTime.Before(large[j].BlockTime)
		}
		return large[i].Signature < large[j].Signature
	})

	if len(large) > n {
		large = large[:n]
	}
	if large == nil {
		return []domain.LargeTrade{}
	}
	return large
}
