// Package symbolmap translates between standard and provider-native symbols
// through three in-process LRU tiers over a durable mapping store.
package symbolmap

import (
	"regexp"
	"strings"
)

// Direction of a symbol translation.
type Direction string

const (
	DirToStandard   Direction = "to_std"
	DirFromStandard Direction = "from_std"
)

// Standard symbol format gates (ASCII, case-insensitive).
var (
	reHK = regexp.MustCompile(`(?i)^[0-9]{4,5}\.HK$`)
	reUS = regexp.MustCompile(`(?i)^[A-Z]{1,5}\.US$`)
	reCN = regexp.MustCompile(`(?i)^[0-9]{6}\.(SH|SZ)$`)
	reSG = regexp.MustCompile(`(?i)^[A-Z0-9]{3,5}\.SG$`)
	// Bare letters fall back to the US namespace.
	reUSBare = regexp.MustCompile(`(?i)^[A-Z]+$`)
)

// IsStandardSymbol reports whether s matches any standard-symbol gate.
func IsStandardSymbol(s string) bool {
	return reHK.MatchString(s) || reUS.MatchString(s) || reCN.MatchString(s) ||
		reSG.MatchString(s) || reUSBare.MatchString(s)
}

// MarketOf extracts the market suffix of a standard symbol; bare letters are
// US by convention.
func MarketOf(symbol string) string {
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 {
		return strings.ToUpper(symbol[i+1:])
	}
	if reUSBare.MatchString(symbol) {
		return "US"
	}
	return ""
}

// ValidSymbol gates any symbol string (either namespace): printable ASCII,
// bounded length.
func ValidSymbol(s string, maxLen int) bool {
	if s == "" || (maxLen > 0 && len(s) > maxLen) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= 0x20 || s[i] >= 0x7f {
			return false
		}
	}
	return true
}
