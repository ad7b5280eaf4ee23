package upstream

import (
	"context"
	"errors"
	"net/url"
	"time"

	"tokenpulse/internal/domain"
)

type birdeyeOverview struct {
	Success bool `json:"success"`
	Data    *struct {
		Price     float64 `json:"price"`
		MC        float64 `json:"mc"`
		RealMC    float64 `json:"realMc"`
		V24hUSD   float64 `json:"v24hUSD"`
		Liquidity float64 `json:"liquidity"`
		Holder    int     `json:"holder"`
	} `json:"data"`
}

func (c *Client) FetchPriceSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return domain.PriceSnapshot{}, err
	}

	headers := map[string]string{
		"X-API-KEY": c.birdeye.APIKey,
		"x-chain":   c.birdeye.Chain,
	}

	var resp birdeyeOverview
	u := c.birdeye.BaseURL + "/defi/token_overview?address=" + url.QueryEscape(address)
	if err := c.getJSON(ctx, ProviderBirdeye, u, headers, &resp); err != nil {
		return domain.PriceSnapshot{}, err
	}

	if !resp.Success || resp.Data == nil {
		return domain.PriceSnapshot{}, c.fail(ProviderBirdeye, domain.UpstreamMalformedResponse, 0,
			errors.New("token overview without data"))
	}

	d := resp.Data
	mc := d.RealMC
	if mc == 0 {
		mc = d.MC
	}

	return domain.PriceSnapshot{
		Address:   address,
		Price:     d.Price,
		MarketCap: mc,
		Volume24h: d.V24hUSD,
		Liquidity: d.Liquidity,
		Holders:   d.Holder,
		FetchedAt: time.Now().UTC(),
	}, nil
}
