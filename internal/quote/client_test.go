package quote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// misEntry builds one msgArray element the way MIS renders it.
func misEntry(symbol, last, prevClose string) map[string]string {
	return map[string]string{
		"c": symbol,
		"n": "test stock",
		"z": last,
		"y": prevClose,
		"b": "599.00_598.50_598.00_597.50_597.00_",
		"a": "600.00_600.50_601.00_601.50_602.00_",
	}
}

// newMISServer answers getStockInfo.jsp from a map of ex_ch keys, counting
// hits so tests can assert fetch volume.
func newMISServer(t *testing.T, entries map[string]map[string]string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc(misPath, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		arr := []map[string]string{}
		if e, ok := entries[r.URL.Query().Get("ex_ch")]; ok {
			arr = append(arr, e)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"msgArray": arr})
	})
	return httptest.NewServer(mux), &hits
}

func TestFetchListedSymbol(t *testing.T) {
	t.Parallel()

	srv, _ := newMISServer(t, map[string]map[string]string{
		"tse_2330.tw": misEntry("2330", "600.50", "599.00"),
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	q, err := c.Fetch(context.Background(), "2330")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Symbol != "2330" || q.Price != 600.50 {
		t.Errorf("quote = %+v", q)
	}
	if time.Since(q.ObservedAt) > time.Second {
		t.Error("ObservedAt not set to fetch time")
	}
}

func TestFetchFallsBackToOTC(t *testing.T) {
	t.Parallel()

	srv, hits := newMISServer(t, map[string]map[string]string{
		"otc_6547.tw": misEntry("6547", "123.45", "120.00"),
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	q, err := c.Fetch(context.Background(), "6547")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Price != 123.45 {
		t.Errorf("price = %v", q.Price)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want tse then otc", hits.Load())
	}
}

func TestFetchUsesPrevCloseBeforeFirstTrade(t *testing.T) {
	t.Parallel()

	srv, _ := newMISServer(t, map[string]map[string]string{
		"tse_2330.tw": misEntry("2330", "-", "599.00"),
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	q, err := c.Fetch(context.Background(), "2330")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Price != 599.00 {
		t.Errorf("price = %v, want previous close", q.Price)
	}
}

func TestFetchUnknownSymbol(t *testing.T) {
	t.Parallel()

	srv, _ := newMISServer(t, nil)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	_, err := c.Fetch(context.Background(), "9999")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestFetchZeroPriceUnavailable(t *testing.T) {
	t.Parallel()

	// Market closed: no last trade and no previous close reported.
	srv, _ := newMISServer(t, map[string]map[string]string{
		"tse_2330.tw": misEntry("2330", "-", "-"),
		"otc_2330.tw": misEntry("2330", "-", "-"),
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	_, err := c.Fetch(context.Background(), "2330")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(misPath, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"msgArray": []map[string]string{misEntry("2330", "600.00", "599.00")},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	q, err := c.Fetch(context.Background(), "2330")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Price != 600.00 {
		t.Errorf("price = %v", q.Price)
	}
	if calls.Load() < 2 {
		t.Errorf("calls = %d, want a retry", calls.Load())
	}
}

func TestFetchRespectsContext(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(misPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, 5*time.Second, quietLogger())
	_, err := c.Fetch(ctx, "2330")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		last, prev string
		want       float64
	}{
		{"600.50", "599.00", 600.50},
		{"-", "599.00", 599.00},
		{"", "599.00", 599.00},
		{"-", "-", 0},
		{"bogus", "599.00", 599.00},
		{" 600.50 ", "599.00", 600.50},
	}
	for _, tc := range cases {
		if got := parsePrice(tc.last, tc.prev); got != tc.want {
			t.Errorf("parsePrice(%q, %q) = %v, want %v", tc.last, tc.prev, got, tc.want)
		}
	}
}

func TestTokenBucketThrottles(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 50) // 1 burst, 50/s refill
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("3 tokens at 50/s took %v, want >= 40ms of throttling", elapsed)
	}
}

func TestTokenBucketCancel(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
