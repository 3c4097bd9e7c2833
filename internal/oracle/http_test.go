package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGoldAPI_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-access-token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"metal":"XAU","currency":"USD","price":2901.25}`)
	}))
	defer srv.Close()

	p, err := NewGoldAPI("secret", srv.URL, time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p != 2901.25 {
		t.Errorf("price = %v, want 2901.25", p)
	}

	if _, err := NewGoldAPI("wrong", srv.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Error("expected error on 401")
	}
}

func TestGoldAPI_RejectsImplausible(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"too low", `{"price":12.5}`},
		{"too high", `{"price":25000}`},
		{"missing", `{"metal":"XAU"}`},
		{"garbage", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			if p, err := NewGoldAPI("t", srv.URL, time.Second).Fetch(context.Background()); err == nil {
				t.Errorf("expected error, got price %v", p)
			}
		})
	}
}

func TestGoldAPI_NoToken(t *testing.T) {
	if _, err := NewGoldAPI("", "http://unused", time.Second).Fetch(context.Background()); !errors.Is(err, errNoToken) {
		t.Errorf("expected errNoToken, got %v", err)
	}
}

func TestMetalPriceAPI_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("api_key") != "k" || q.Get("base") != "USD" || q.Get("currencies") != "XAU" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"success":true,"base":"USD","rates":{"XAU":0.0004}}`)
	}))
	defer srv.Close()

	p, err := NewMetalPriceAPI("k", srv.URL, time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p < 2499.999 || p > 2500.001 {
		t.Errorf("price = %v, want 2500", p)
	}
}

func TestMetalPriceAPI_ZeroRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rates":{"XAU":0}}`)
	}))
	defer srv.Close()

	if _, err := NewMetalPriceAPI("k", srv.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Error("expected error for zero rate")
	}
}

func TestKitco_Fetch(t *testing.T) {
	page := `<html><div>Bid</div><div class="mb-2 text-right"><h3 class="font-mulish text-4xl">2,901.40</h3></div></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	p, err := NewKitco(srv.URL, time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p != 2901.90 {
		t.Errorf("price = %v, want 2901.90", p)
	}
}

func TestKitco_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	if _, err := NewKitco(srv.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Error("expected error when the bid is missing")
	}
}

func TestChain_HTTPFallback(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rates":{"XAU":0.0005}}`)
	}))
	defer working.Close()

	chain := NewChain("gold",
		NewCachedSource(NewGoldAPI("t", broken.URL, time.Second), CacheOptions{}),
		NewCachedSource(NewMetalPriceAPI("k", working.URL, time.Second), CacheOptions{}),
	)
	p, err := chain.Price(context.Background())
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if p < 1999.999 || p > 2000.001 {
		t.Errorf("price = %v, want 2000", p)
	}
}
