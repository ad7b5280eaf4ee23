package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"tokenpulse/internal/domain"
)

const (
	MaxPageSize         = 100
	MaxTransactionLimit = 500

	// Helius sometimes reports milliseconds; anything above this is not a plausible unix second
	msTimestampThreshold = 1_600_000_000_000
)

type heliusTokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	TokenAmount     float64 `json:"tokenAmount"`
	Mint            string  `json:"mint"`
}

type heliusTransaction struct {
	Signature        string                `json:"signature"`
	Timestamp        int64                 `json:"timestamp"`
	Type             string                `json:"type"`
	Fee              uint64                `json:"fee"`
	FeePayer         string                `json:"feePayer"`
	TransactionError json.RawMessage       `json:"transactionError"`
	TokenTransfers   []heliusTokenTransfer `json:"tokenTransfers"`
}

func (h heliusTransaction) toDomain() domain.RawTransaction {
	ts := h.Timestamp
	if ts > msTimestampThreshold {
		ts /= 1000
	}

	transfers := make([]domain.Transfer, 0, len(h.TokenTransfers))
	for _, t := range h.TokenTransfers {
		transfers = append(transfers, domain.Transfer{
			From:   t.FromUserAccount,
			To:     t.ToUserAccount,
			Amount: t.TokenAmount,
			Mint:   t.Mint,
		})
	}

	errRaw := bytes.TrimSpace(h.TransactionError)

	return domain.RawTransaction{
		Signature: h.Signature,
		BlockTime: time.Unix(ts, 0).UTC(),
		FeePayer:  h.FeePayer,
		Type:      h.Type,
		Transfers: transfers,
		Fee:       h.Fee,
		Success:   len(errRaw) == 0 || bytes.Equal(errRaw, []byte("null")),
	}
}

// Recent transactions touching address, newest first. Pages with the `before` cursor until
// limit records are collected, a page comes back short or empty, the page budget runs out,
// or the page crosses since (older records are dropped).
func (c *Client) FetchTransactions(ctx context.Context, address string, since *time.Time, limit int) ([]domain.RawTransaction, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}

	limit = ClampLimit(limit)

	out := make([]domain.RawTransaction, 0, limit)
	seen := make(map[string]struct{}, limit)
	before := ""

	for page := 0; page < c.helius.MaxPages && len(out) < limit; page++ {
		pageSize := min(c.helius.PageSize, limit-len(out))

		var items []heliusTransaction
		if err := c.getJSON(ctx, ProviderHelius, c.transactionsURL(address, before, pageSize), nil, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}

		crossed := false
		for _, it := range items {
			tx := it.toDomain()
			if since != nil && tx.BlockTime.Before(*since) {
				crossed = true
				continue
			}
			if _, dup := seen[tx.Signature]; dup {
				continue
			}
			seen[tx.Signature] = struct{}{}

			out = append(out, tx)
			if len(out) >= limit {
				break
			}
		}

		before = items[len(items)-1].Signature
		if crossed || len(items) < pageSize {
			break
		}
	}

	c.log.Debugf("Fetched %d transactions for %s", len(out), address)
	return out, nil
}

func (c *Client) transactionsURL(address, before string, pageSize int) string {
	q := url.Values{}
	q.Set("api-key", c.helius.APIKey)
	q.Set("limit", strconv.Itoa(pageSize))
	if before != "" {
		q.Set("before", before)
	}

	return c.helius.BaseURL + "/v0/addresses/" + url.PathEscape(address) + "/transactions?" + q.Encode()
}

// Limit forced into [1, MaxTransactionLimit]
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxTransactionLimit {
		return MaxTransactionLimit
	}
	return limit
}
