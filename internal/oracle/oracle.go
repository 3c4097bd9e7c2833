// Package oracle resolves the reference prices the curve is anchored to.
// Sources are tried in a fixed order behind per-source caches; the first
// valid price wins and exhaustion is a hard failure.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vsp_mm/internal/domain"
)

const (
	// MinGoldPrice and MaxGoldPrice bound a plausible USD/oz quote (exclusive).
	MinGoldPrice = 500.0
	MaxGoldPrice = 10_000.0
)

var (
	errNoToken   = errors.New("api token not configured")
	errThrottled = errors.New("rate limited")
)

// Source fetches one price from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// ValidGoldPrice reports whether p lies inside the plausible gold window.
func ValidGoldPrice(p float64) bool {
	return p > MinGoldPrice && p < MaxGoldPrice
}

func checkGold(p float64) (float64, error) {
	if !ValidGoldPrice(p) {
		return 0, fmt.Errorf("gold price %.4f outside (%.0f, %.0f)", p, MinGoldPrice, MaxGoldPrice)
	}
	return p, nil
}

// Chain tries its sources in order and returns the first price.
type Chain struct {
	name    string
	sources []Source
}

// NewChain builds a fallback chain. name only labels log lines.
func NewChain(name string, sources ...Source) *Chain {
	return &Chain{name: name, sources: sources}
}

// Price implements domain.PriceOracle.
func (c *Chain) Price(ctx context.Context) (float64, error) {
	if len(c.sources) == 0 {
		return 0, &domain.OracleError{Err: fmt.Errorf("%s: no sources configured", c.name)}
	}

	var (
		lastErr  error
		lastName string
	)
	for _, s := range c.sources {
		p, err := s.Fetch(ctx)
		if err == nil {
			return p, nil
		}
		slog.Warn("Price source failed",
			slog.String("oracle", c.name),
			slog.String("source", s.Name()),
			slog.Any("error", err),
		)
		lastErr, lastName = err, s.Name()
	}
	return 0, &domain.OracleError{
		Source: lastName,
		Err:    fmt.Errorf("%s: all %d sources failed: %w", c.name, len(c.sources), lastErr),
	}
}

// Static always returns a fixed price.
type Static struct {
	name  string
	price float64
}

func NewStatic(name string, price float64) Static {
	return Static{name: name, price: price}
}

func (s Static) Name() string { return s.name }

func (s Static) Fetch(context.Context) (float64, error) {
	if !(s.price > 0) {
		return 0, fmt.Errorf("static price %v is not positive", s.price)
	}
	return s.price, nil
}
