// esun.go implements the Adapter contract for the Esun (玉山富果) brokerage
// REST gateway.
//
// The session is token-based: Login posts the account credentials and keeps
// the returned bearer token for subsequent order calls. Limit prices are
// normalized to the TWSE tick table before submission; the exchange rejects
// off-tick prices outright, so rounding here turns a user-entered 602.3 into
// the nearest valid 602 rather than a hard rejection.
package broker

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

func init() {
	Register("esun", func(cfg map[string]string) (Adapter, error) {
		return newEsun(cfg)
	})
}

const esunDefaultBaseURL = "https://fugle-trade.esunsec.com.tw/api/v1"

// Esun talks to the Esun securities order gateway.
type Esun struct {
	http     *resty.Client
	account  string
	password string
	apiKey   string

	mu    sync.Mutex
	token string
}

func newEsun(cfg map[string]string) (*Esun, error) {
	if cfg["account"] == "" || cfg["password"] == "" {
		return nil, fmt.Errorf("%w: esun config requires account and password", ErrUnavailable)
	}
	baseURL := cfg["base_url"]
	if baseURL == "" {
		baseURL = esunDefaultBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Esun{
		http:     client,
		account:  cfg["account"],
		password: cfg["password"],
		apiKey:   cfg["api_key"],
	}, nil
}

// Name implements Adapter.
func (e *Esun) Name() string { return "esun" }

type esunLoginResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Login opens the session. Calling it again on a live session is a no-op.
func (e *Esun) Login() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != "" {
		return nil
	}

	var result esunLoginResponse
	resp, err := e.http.R().
		SetBody(map[string]string{
			"account":  e.account,
			"password": e.password,
			"api_key":  e.apiKey,
		}).
		SetResult(&result).
		Post("/login")
	if err != nil {
		return fmt.Errorf("esun login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Token == "" {
		return fmt.Errorf("esun login: status %d: %s", resp.StatusCode(), result.Message)
	}

	e.token = result.Token
	return nil
}

// IsLoggedIn implements Adapter.
func (e *Esun) IsLoggedIn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token != ""
}

// Logout drops the session token. Safe to call repeatedly.
func (e *Esun) Logout() {
	e.mu.Lock()
	token := e.token
	e.token = ""
	e.mu.Unlock()
	if token == "" {
		return
	}
	// Best effort: the token expires server-side regardless.
	_, _ = e.http.R().SetAuthToken(token).Post("/logout")
}

type esunOrderResponse struct {
	OrdNo   string `json:"ord_no"`
	Message string `json:"message"`
}

// placeOrder submits one order. kind is "limit" or "market"; price is ignored
// for market orders.
func (e *Esun) placeOrder(symbol, side, kind string, price float64, qty int) (OrderResult, error) {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token == "" {
		return OrderResult{}, fmt.Errorf("%w: esun session not logged in", ErrUnavailable)
	}

	body := map[string]any{
		"stock_no": symbol,
		"buy_sell": side,
		"quantity": qty,
		"ap_code":  "common",
		"bs_flag":  "ROD",
	}
	if kind == "market" {
		body["price_flag"] = "market"
	} else {
		body["price_flag"] = "limit"
		body["price"] = RoundToTick(price)
	}

	var result esunOrderResponse
	resp, err := e.http.R().
		SetAuthToken(token).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: place order: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		e.mu.Lock()
		e.token = ""
		e.mu.Unlock()
		return OrderResult{}, fmt.Errorf("%w: esun session expired", ErrUnavailable)
	}
	if resp.StatusCode() != http.StatusOK || result.OrdNo == "" {
		msg := result.Message
		if msg == "" {
			msg = resp.String()
		}
		return OrderResult{OK: false, Message: msg}, nil
	}
	return OrderResult{OK: true, Ref: result.OrdNo, Message: "ok"}, nil
}

// PlaceLimitBuy implements Adapter.
func (e *Esun) PlaceLimitBuy(symbol string, price float64, qty int) (OrderResult, error) {
	return e.placeOrder(symbol, "buy", "limit", price, qty)
}

// PlaceLimitSell implements Adapter.
func (e *Esun) PlaceLimitSell(symbol string, price float64, qty int) (OrderResult, error) {
	return e.placeOrder(symbol, "sell", "limit", price, qty)
}

// PlaceMarketBuy implements MarketTrader.
func (e *Esun) PlaceMarketBuy(symbol string, qty int) (OrderResult, error) {
	return e.placeOrder(symbol, "buy", "market", 0, qty)
}

// PlaceMarketSell implements MarketTrader.
func (e *Esun) PlaceMarketSell(symbol string, qty int) (OrderResult, error) {
	return e.placeOrder(symbol, "sell", "market", 0, qty)
}

// twseTick returns the TWSE price increment for a price band.
func twseTick(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(decimal.NewFromInt(10)):
		return decimal.RequireFromString("0.01")
	case price.LessThan(decimal.NewFromInt(50)):
		return decimal.RequireFromString("0.05")
	case price.LessThan(decimal.NewFromInt(100)):
		return decimal.RequireFromString("0.1")
	case price.LessThan(decimal.NewFromInt(500)):
		return decimal.RequireFromString("0.5")
	case price.LessThan(decimal.NewFromInt(1000)):
		return decimal.NewFromInt(1)
	default:
		return decimal.NewFromInt(5)
	}
}

// RoundToTick snaps a price to the nearest valid TWSE tick for its band.
// Decimal arithmetic avoids the float artifacts that show up when taking
// remainders of prices like 602.3.
func RoundToTick(price float64) float64 {
	p := decimal.NewFromFloat(price)
	tick := twseTick(p)
	steps := p.Div(tick).Round(0)
	out, _ := steps.Mul(tick).Float64()
	return out
}
