package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newEsunServer fakes the order gateway: /login hands out a token, /orders
// accepts limit buys and rejects anything the test scripts via rejectWith.
func newEsunServer(t *testing.T, rejectWith string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var orders []map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["account"] == "" || body["password"] == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "bad credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if rejectWith != "" {
			_ = json.NewEncoder(w).Encode(map[string]string{"message": rejectWith})
			return
		}
		orders = append(orders, body)
		_ = json.NewEncoder(w).Encode(map[string]string{"ord_no": "E0001"})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux), &orders
}

func esunConfig(url string) map[string]string {
	return map[string]string{"account": "A123", "password": "pw", "base_url": url}
}

func TestEsunLoginAndOrder(t *testing.T) {
	t.Parallel()
	srv, orders := newEsunServer(t, "")
	defer srv.Close()

	e, err := newEsun(esunConfig(srv.URL))
	if err != nil {
		t.Fatalf("newEsun: %v", err)
	}
	if e.IsLoggedIn() {
		t.Error("logged in before Login")
	}
	if err := e.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !e.IsLoggedIn() {
		t.Error("not logged in after Login")
	}
	// Login is idempotent on a live session.
	if err := e.Login(); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	res, err := e.PlaceLimitBuy("2330", 601, 1)
	if err != nil {
		t.Fatalf("PlaceLimitBuy: %v", err)
	}
	if !res.OK || res.Ref != "E0001" {
		t.Errorf("result = %+v", res)
	}
	if len(*orders) != 1 {
		t.Fatalf("server saw %d orders", len(*orders))
	}
	if (*orders)[0]["price_flag"] != "limit" {
		t.Errorf("price_flag = %v", (*orders)[0]["price_flag"])
	}
}

func TestEsunMarketOrderOmitsPrice(t *testing.T) {
	t.Parallel()
	srv, orders := newEsunServer(t, "")
	defer srv.Close()

	e, _ := newEsun(esunConfig(srv.URL))
	if err := e.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := e.PlaceMarketSell("2330", 2); err != nil {
		t.Fatalf("PlaceMarketSell: %v", err)
	}

	got := (*orders)[0]
	if got["price_flag"] != "market" {
		t.Errorf("price_flag = %v", got["price_flag"])
	}
	if _, present := got["price"]; present {
		t.Error("market order carried a price")
	}
}

func TestEsunRejectionPreservesMessage(t *testing.T) {
	t.Parallel()
	srv, _ := newEsunServer(t, "risk limit")
	defer srv.Close()

	e, _ := newEsun(esunConfig(srv.URL))
	if err := e.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}

	res, err := e.PlaceLimitBuy("2330", 601, 1)
	if err != nil {
		t.Fatalf("PlaceLimitBuy: %v", err)
	}
	if res.OK {
		t.Error("rejection reported OK")
	}
	if res.Message != "risk limit" {
		t.Errorf("message = %q, want verbatim broker message", res.Message)
	}
}

func TestEsunOrderWithoutLogin(t *testing.T) {
	t.Parallel()
	srv, _ := newEsunServer(t, "")
	defer srv.Close()

	e, _ := newEsun(esunConfig(srv.URL))
	_, err := e.PlaceLimitBuy("2330", 601, 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestEsunLogoutIdempotent(t *testing.T) {
	t.Parallel()
	srv, _ := newEsunServer(t, "")
	defer srv.Close()

	e, _ := newEsun(esunConfig(srv.URL))
	if err := e.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	e.Logout()
	if e.IsLoggedIn() {
		t.Error("still logged in after Logout")
	}
	e.Logout() // no-op
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want float64
	}{
		{9.994, 9.99},   // 0.01 band
		{23.44, 23.45},  // 0.05 band
		{76.34, 76.3},   // 0.1 band
		{602.3, 602},    // 1.0 band
		{1012.4, 1010},  // 5.0 band
		{600.0, 600.0},  // already on tick
		{499.74, 499.5}, // 0.5 band
	}
	for _, tc := range cases {
		if got := RoundToTick(tc.in); got != tc.want {
			t.Errorf("RoundToTick(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
