package carrier

import (
	"math"
	"strings"
)

// NormalizePostcode canonicalizes a postal code per the destination
// country's convention so that logically equivalent rate requests
// collide on one cache fingerprint: US codes are reduced to the 5-digit
// ZIP, Canadian codes are uppercased with separators stripped.
func NormalizePostcode(countryCode, postcode string) string {
	pc := strings.TrimSpace(postcode)
	switch strings.ToUpper(countryCode) {
	case "US":
		// Strip ZIP+4 and any stray separators, keep leading 5 digits.
		digits := make([]byte, 0, len(pc))
		for i := 0; i < len(pc); i++ {
			if pc[i] >= '0' && pc[i] <= '9' {
				digits = append(digits, pc[i])
			}
		}
		if len(digits) > 5 {
			digits = digits[:5]
		}
		return string(digits)
	case "CA":
		cleaned := strings.ToUpper(pc)
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		return cleaned
	default:
		return strings.ToUpper(pc)
	}
}

// RoundWeight buckets a weight to one decimal so near-identical
// requests share a fingerprint.
func RoundWeight(lb float64) float64 {
	return math.Round(lb*10) / 10
}
