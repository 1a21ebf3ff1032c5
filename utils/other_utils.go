package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/AdguardTeam/golibs/log"
)

// GetRandomValue returns a cryptographically random int64 in [min, max). If
// min equals max it returns min without drawing randomness.
func GetRandomValue(min int64, max int64) (int64, error) {

	if min == max {
		return min, nil
	}

	b := new(big.Int).SetInt64(max - min)

	i, err := rand.Int(rand.Reader, b)
	if err != nil {
		log.Error("Can't generate random value: %v", err)
		return 0, err
	}

	return i.Int64() + min, nil
}

// ShortText https://stackoverflow.com/questions/59955085/how-can-i-elliptically-truncate-text-in-golang
func ShortText(s string, maxLen int) string {
	if len(s) < maxLen {
		return s
	}

	if utf8.ValidString(s[:maxLen]) {
		return s[:maxLen]
	}
	return strings.ToValidUTF8(s[:maxLen+1], "")
}
