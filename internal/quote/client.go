// client.go implements the TWSE MIS (market information system) quote source.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"trigger-engine/pkg/types"
)

const (
	misPath    = "/stock/api/getStockInfo.jsp"
	maxRetries = 3
	retryBase  = 500 * time.Millisecond
)

// misResponse is the subset of the MIS payload we consume. The endpoint
// returns an msgArray even for unknown symbols; an empty array means the
// exchange does not list the symbol.
type misResponse struct {
	MsgArray []struct {
		Symbol    string `json:"c"`
		Name      string `json:"n"`
		Last      string `json:"z"` // last trade price, "-" when no trade yet
		PrevClose string `json:"y"`
		BestBids  string `json:"b"` // "_"-joined price levels
		BestAsks  string `json:"a"`
	} `json:"msgArray"`
}

// Client fetches last-trade prices from the MIS endpoint. A symbol is tried
// on the listed exchange (tse_) first and falls back to the OTC board (otc_),
// matching how Taiwan symbols are partitioned between TWSE and TPEX.
type Client struct {
	http    *resty.Client
	limiter *TokenBucket
	logger  *slog.Logger
}

// NewClient creates a MIS client. baseURL is overridable for tests.
func NewClient(baseURL string, fetchTimeout time.Duration, logger *slog.Logger) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(fetchTimeout).
		SetHeader("User-Agent", "Mozilla/5.0").
		SetHeader("Accept", "application/json")

	return &Client{
		http:    hc,
		limiter: NewTokenBucket(3, 3),
		logger:  logger.With("component", "quote"),
	}
}

// Fetch returns the current price for symbol. When the symbol has not traded
// yet this session (MIS reports "-"), the previous close is used so that
// conditions can still be evaluated against a meaningful reference. A zero
// price means the market is closed or the symbol is unknown and maps to
// ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, symbol string) (types.Quote, error) {
	for _, prefix := range []string{"tse_", "otc_"} {
		price, err := c.fetchOnce(ctx, prefix, symbol)
		if err != nil {
			return types.Quote{}, err
		}
		if price > 0 {
			return types.Quote{Symbol: symbol, Price: price, ObservedAt: time.Now()}, nil
		}
	}
	return types.Quote{}, fmt.Errorf("symbol %s: %w", symbol, ErrUnavailable)
}

// fetchOnce queries one exchange board with retries. A zero price with a nil
// error means "no usable price on this board" and the caller tries the next.
func (c *Client) fetchOnce(ctx context.Context, prefix, symbol string) (float64, error) {
	exCh := prefix + symbol + ".tw"

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		var out misResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("ex_ch", exCh).
			SetQueryParam("json", "1").
			SetQueryParam("delay", "0").
			SetResult(&out).
			Get(misPath)
		if err != nil {
			lastErr = err
			c.logger.Warn("quote fetch failed", "symbol", symbol, "attempt", attempt+1, "error", err)
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("mis status %d", resp.StatusCode())
			c.logger.Warn("quote fetch failed", "symbol", symbol, "attempt", attempt+1, "status", resp.StatusCode())
			continue
		}

		if len(out.MsgArray) == 0 {
			return 0, nil // not listed on this board
		}
		return parsePrice(out.MsgArray[0].Last, out.MsgArray[0].PrevClose), nil
	}
	return 0, fmt.Errorf("fetch %s: %w: %v", symbol, ErrUnavailable, lastErr)
}

// parsePrice extracts the last trade price, falling back to the previous
// close when the symbol has not traded yet. MIS uses "-" for absent values.
func parsePrice(last, prevClose string) float64 {
	if p := parseField(last); p > 0 {
		return p
	}
	return parseField(prevClose)
}

func parseField(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
