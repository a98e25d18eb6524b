package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

const goodWallet = "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28"

func TestGetVendor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/vendors/vend-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprintf(w, `{"id":"vend-1","name":"Acme Streams","wallet_address":%q,"rate_per_hour":12.5,"currency":"ZEC"}`, goodWallet)
	}))
	defer srv.Close()

	d := NewDirectory(srv.URL, "secret-token", nil)
	v, err := d.Get(context.Background(), "vend-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.ID != "vend-1" || v.Name != "Acme Streams" || v.WalletAddress != goodWallet {
		t.Errorf("unexpected vendor %+v", v)
	}
	if want := decimal.RequireFromString("12.5"); !v.RatePerHour.Equal(want) {
		t.Errorf("rate = %s, want %s", v.RatePerHour, want)
	}
}

func TestGetVendorNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDirectory(srv.URL, "", nil)
	if _, err := d.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetVendorRejectsBadRecords(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad wallet", `{"id":"v","wallet_address":"not-an-address","rate_per_hour":10,"currency":"ZEC"}`},
		{"zero rate", fmt.Sprintf(`{"id":"v","wallet_address":%q,"rate_per_hour":0,"currency":"ZEC"}`, goodWallet)},
		{"rate too high", fmt.Sprintf(`{"id":"v","wallet_address":%q,"rate_per_hour":1000.01,"currency":"ZEC"}`, goodWallet)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			d := NewDirectory(srv.URL, "", nil)
			_, err := d.Get(context.Background(), "v")
			var invalid *InvalidRecordError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want *InvalidRecordError", err)
			}
		})
	}
}

func TestGetVendorMaxRateAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":"v","wallet_address":%q,"rate_per_hour":1000,"currency":"ZEC"}`, goodWallet)
	}))
	defer srv.Close()

	d := NewDirectory(srv.URL, "", nil)
	v, err := d.Get(context.Background(), "v")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.RatePerHour.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("rate = %s, want 1000", v.RatePerHour)
	}
}

func TestDirectoryCircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDirectory(srv.URL, "", nil)
	for i := 0; i < 10; i++ {
		if _, err := d.Get(context.Background(), "v"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: err = %v, want ErrUnavailable", i, err)
		}
	}

	// The breaker trips after five consecutive failures; later calls
	// must fail fast without reaching the directory.
	if got := hits.Load(); got != 5 {
		t.Errorf("upstream hits = %d, want 5", got)
	}
}

func TestNotFoundDoesNotTripCircuit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDirectory(srv.URL, "", nil)
	for i := 0; i < 10; i++ {
		if _, err := d.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: err = %v, want ErrNotFound", i, err)
		}
	}
	if got := hits.Load(); got != 10 {
		t.Errorf("upstream hits = %d, want 10 (404s must keep flowing)", got)
	}
}
