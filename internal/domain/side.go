package domain

import (
	"fmt"
	"strings"
)

// Side is the direction of a trade from the counterparty's point of view.
type Side int

const (
	// SideBuy: the counterparty buys VSP from the market maker with USDC.
	SideBuy Side = iota + 1
	// SideSell: the counterparty sells VSP back to the market maker for USDC.
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the two defined sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide converts "buy" / "sell" (case-insensitive) into a Side.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, NewInputError("side", fmt.Errorf("unknown side %q", raw))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
