// Package utils provides utility functions for the backtest core.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	id := uuid.New().String()
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateOrderID generates a unique order ID.
func GenerateOrderID() string {
	return GenerateID("ord")
}

// GenerateTradeID generates a unique trade ID.
func GenerateTradeID() string {
	return GenerateID("trd")
}

// FormatSymbol normalizes a trading symbol: trimmed, uppercased,
// separators collapsed to none.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "")
	symbol = strings.ReplaceAll(symbol, "_", "")
	symbol = strings.ReplaceAll(symbol, "/", "")
	return symbol
}

// SameTradingDay reports whether a and b fall on the same calendar day
// in UTC. Used for daily counter resets.
func SameTradingDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
