package symbols

import "strings"

// Canonical converts a venue-native symbol to the runtime's canonical
// form: uppercase, no separators, BTC rather than XBT. Binance and Bybit
// linear symbols already are canonical.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(exchange) {
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// ForVenue converts a canonical symbol to the venue-native spelling.
func ForVenue(exchange, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(exchange) {
	case "kucoin":
		if strings.HasPrefix(sym, "BTC") {
			sym = "XBT" + sym[3:]
		}
		sym += "M"
	}
	return sym
}
