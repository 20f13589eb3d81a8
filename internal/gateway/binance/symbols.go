package binance

import (
	"math"
	"strconv"
	"strings"
)

// marketMeta is one tradable symbol from exchangeInfo: the venue-native id
// plus the lot and tick filters used for client-side quantization.
type marketMeta struct {
	ID       string
	Base     string
	Quote    string
	StepSize float64
	TickSize float64
}

// symbolID converts a unified symbol to the venue-native id:
// "BTC/USDT" and "BTC/USDT:USDT" both map to "BTCUSDT".
func symbolID(unified string) string {
	if i := strings.Index(unified, ":"); i >= 0 {
		unified = unified[:i]
	}
	return strings.ReplaceAll(unified, "/", "")
}

// unifiedSymbol reconstructs the unified form from exchangeInfo assets.
// Swap markets carry the settlement suffix.
func unifiedSymbol(base, quote string, venue Venue) string {
	s := base + "/" + quote
	if venue == VenueSwap {
		s += ":" + quote
	}
	return s
}

// quantize floors value to an exchange filter step. A zero step means the
// filter was absent; the value passes through untouched.
func quantize(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	steps := math.Floor(value/step + 1e-9)
	return steps * step
}

// stepDecimals returns the number of decimal places a filter step implies,
// or -1 when the step is absent or not a decimal fraction.
func stepDecimals(step float64) int {
	if step <= 0 {
		return -1
	}
	for i := 0; i <= 12; i++ {
		scaled := step * math.Pow10(i)
		if math.Abs(scaled-math.Round(scaled)) < 1e-9 {
			return i
		}
	}
	return -1
}

// formatStep renders a quantized value with exactly the precision the
// exchange filter allows, avoiding float noise on the wire.
func formatStep(value, step float64) string {
	if d := stepDecimals(step); d >= 0 {
		return strconv.FormatFloat(value, 'f', d, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
